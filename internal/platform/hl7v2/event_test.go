package hl7v2

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *Message {
	t.Helper()
	msg, err := ParseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMessage() error: %v", err)
	}
	return msg
}

func TestExtractEvent_Admission(t *testing.T) {
	raw := "MSH|^~\\&|SIMULATOR|SOUTH RIVERSIDE|||20240331224300||ADT^A01|MSG0001|P|2.5\r" +
		"PID|1||497030||ROSCOE DOHERTY||19870515|M\r"
	ev, err := ExtractEvent(mustParse(t, raw))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}

	if ev.Kind != KindAdmission {
		t.Errorf("expected admission, got %s", ev.Kind)
	}
	if ev.MRN != "497030" {
		t.Errorf("expected MRN 497030, got %q", ev.MRN)
	}
	if ev.Age == nil {
		t.Fatal("expected age to be set")
	}
	if ev.Sex == nil || *ev.Sex != "M" {
		t.Errorf("expected sex M, got %v", ev.Sex)
	}
}

func TestExtractEvent_AdmissionMissingDemographics(t *testing.T) {
	raw := "MSH|^~\\&|||||20240331224300||ADT^A01|MSG0001|P|2.5\r" +
		"PID|1||497030\r"
	ev, err := ExtractEvent(mustParse(t, raw))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}

	// Unknown demographics are not parse failures.
	if ev.Age != nil {
		t.Errorf("expected nil age, got %d", *ev.Age)
	}
	if ev.Sex != nil {
		t.Errorf("expected nil sex, got %q", *ev.Sex)
	}
}

func TestExtractEvent_AdmissionUnknownSexDropped(t *testing.T) {
	raw := "MSH|^~\\&|||||20240331224300||ADT^A01|MSG0001|P|2.5\r" +
		"PID|1||497030||X||19870515|U\r"
	ev, err := ExtractEvent(mustParse(t, raw))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}
	if ev.Sex != nil {
		t.Errorf("expected sex U to be dropped, got %q", *ev.Sex)
	}
}

func TestExtractEvent_Discharge(t *testing.T) {
	raw := "MSH|^~\\&|||||20240331224300||ADT^A03|MSG0003|P|2.5\r" +
		"PID|1||497030\r"
	ev, err := ExtractEvent(mustParse(t, raw))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}
	if ev.Kind != KindDischarge {
		t.Errorf("expected discharge, got %s", ev.Kind)
	}
	if ev.MRN != "497030" {
		t.Errorf("expected MRN 497030, got %q", ev.MRN)
	}
}

func TestExtractEvent_LabResult(t *testing.T) {
	ev, err := ExtractEvent(mustParse(t, sampleORU))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}

	if ev.Kind != KindLabResult {
		t.Errorf("expected lab_result, got %s", ev.Kind)
	}
	if ev.MRN != "125412" {
		t.Errorf("expected MRN 125412, got %q", ev.MRN)
	}
	if ev.TestCode != CreatinineCode {
		t.Errorf("expected test code %s, got %q", CreatinineCode, ev.TestCode)
	}
	if ev.Value != 103.4 {
		t.Errorf("expected value 103.4, got %v", ev.Value)
	}
	want := time.Date(2024, 3, 31, 22, 43, 0, 0, time.UTC)
	if !ev.ObservedAt.Equal(want) {
		t.Errorf("expected observed at %v, got %v", want, ev.ObservedAt)
	}
}

func TestExtractEvent_LabResultCaseInsensitiveCode(t *testing.T) {
	raw := "MSH|^~\\&|||||20240331224300||ORU^R01|MSG0002|P|2.5\r" +
		"PID|1||125412\r" +
		"OBR|1||||||20240331224300\r" +
		"OBX|1|SN|creatinine||88.2\r"
	ev, err := ExtractEvent(mustParse(t, raw))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}
	if ev.Kind != KindLabResult {
		t.Errorf("expected lab_result for lowercase code, got %s", ev.Kind)
	}
}

func TestExtractEvent_NonCreatinineIsNoOp(t *testing.T) {
	raw := "MSH|^~\\&|||||20240331224300||ORU^R01|MSG0002|P|2.5\r" +
		"PID|1||125412\r" +
		"OBR|1||||||20240331224300\r" +
		"OBX|1|SN|SODIUM||140\r"
	ev, err := ExtractEvent(mustParse(t, raw))
	if err != nil {
		t.Fatalf("ExtractEvent() error: %v", err)
	}
	if ev.Kind != KindNoOp {
		t.Errorf("expected noop for untracked observation, got %s", ev.Kind)
	}
	if ev.MRN != "125412" {
		t.Errorf("expected MRN to be carried on noop, got %q", ev.MRN)
	}
}

func TestExtractEvent_Failures(t *testing.T) {
	cases := []struct {
		name   string
		raw    string
		reason string
	}{
		{
			name:   "unsupported type",
			raw:    "MSH|^~\\&|||||20240331224300||ADT^A08|MSG1|P|2.5\rPID|1||42\r",
			reason: ReasonUnsupportedType,
		},
		{
			name:   "missing mrn",
			raw:    "MSH|^~\\&|||||20240331224300||ADT^A01|MSG1|P|2.5\rPID|1\r",
			reason: ReasonMissingMRN,
		},
		{
			name:   "no pid segment",
			raw:    "MSH|^~\\&|||||20240331224300||ORU^R01|MSG1|P|2.5\rOBX|1|SN|CREATININE||90\r",
			reason: ReasonMissingMRN,
		},
		{
			name:   "no obx segment",
			raw:    "MSH|^~\\&|||||20240331224300||ORU^R01|MSG1|P|2.5\rPID|1||42\rOBR|1\r",
			reason: ReasonMissingObservation,
		},
		{
			name:   "missing observation timestamp",
			raw:    "MSH|^~\\&|||||20240331224300||ORU^R01|MSG1|P|2.5\rPID|1||42\rOBR|1\rOBX|1|SN|CREATININE||90\r",
			reason: ReasonBadTimestamp,
		},
		{
			name:   "garbled observation timestamp",
			raw:    "MSH|^~\\&|||||20240331224300||ORU^R01|MSG1|P|2.5\rPID|1||42\rOBR|1||||||banana\rOBX|1|SN|CREATININE||90\r",
			reason: ReasonBadTimestamp,
		},
		{
			name:   "non-numeric value",
			raw:    "MSH|^~\\&|||||20240331224300||ORU^R01|MSG1|P|2.5\rPID|1||42\rOBR|1||||||20240331224300\rOBX|1|SN|CREATININE||high\r",
			reason: ReasonBadValue,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ExtractEvent(mustParse(t, tc.raw))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected *ParseError, got %v", err)
			}
			if perr.Reason != tc.reason {
				t.Errorf("expected reason %s, got %s", tc.reason, perr.Reason)
			}
		})
	}
}

func TestAgeFromDOB(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)

	age, ok := AgeFromDOB("19840203", now)
	if !ok || age != 40 {
		t.Errorf("expected age 40, got %d (ok=%v)", age, ok)
	}

	// Birthday later in the year: not yet reached.
	age, ok = AgeFromDOB("19841203", now)
	if !ok || age != 39 {
		t.Errorf("expected age 39, got %d (ok=%v)", age, ok)
	}

	if _, ok := AgeFromDOB("1984", now); ok {
		t.Error("expected failure for short date of birth")
	}
	if _, ok := AgeFromDOB("notadate", now); ok {
		t.Error("expected failure for malformed date of birth")
	}
	if _, ok := AgeFromDOB("21000101", now); ok {
		t.Error("expected failure for future date of birth")
	}
}
