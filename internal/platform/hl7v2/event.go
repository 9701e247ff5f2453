package hl7v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind tags the clinical intent of a parsed message.
type EventKind int

const (
	// KindAdmission is an ADT^A01 admission notification.
	KindAdmission EventKind = iota
	// KindDischarge is an ADT^A03 discharge notification.
	KindDischarge
	// KindLabResult is an ORU^R01 carrying a creatinine observation.
	KindLabResult
	// KindNoOp is a structurally valid ORU^R01 whose observation is not
	// a tracked result type. It is parsed but intentionally inert.
	KindNoOp
)

func (k EventKind) String() string {
	switch k {
	case KindAdmission:
		return "admission"
	case KindDischarge:
		return "discharge"
	case KindLabResult:
		return "lab_result"
	case KindNoOp:
		return "noop"
	default:
		return "unknown"
	}
}

// CreatinineCode is the observation identifier of the tracked result
// type. Only OBX segments carrying it produce lab-result events.
const CreatinineCode = "CREATININE"

// Event is the typed representation of one message's clinical intent.
// Fields are populated according to Kind: admissions carry Age/Sex,
// lab results carry TestCode/Value/ObservedAt, discharges carry only
// the MRN.
type Event struct {
	Kind       EventKind
	MRN        string
	Age        *int
	Sex        *string
	TestCode   string
	Value      float64
	ObservedAt time.Time
}

// Parse failure reason tags.
const (
	ReasonNotHL7             = "not_hl7"
	ReasonUnsupportedType    = "unsupported_message_type"
	ReasonMissingMRN         = "missing_mrn"
	ReasonMissingObservation = "missing_observation"
	ReasonBadTimestamp       = "bad_timestamp"
	ReasonBadValue           = "bad_value"
)

// ParseError is a message-fatal parse failure. It is resolved into a
// reject acknowledgment and never escalates past the pipeline.
type ParseError struct {
	Reason string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("hl7v2: parse failure (%s)", e.Reason)
	}
	return fmt.Sprintf("hl7v2: parse failure (%s): %s", e.Reason, e.Detail)
}

// ExtractEvent turns a parsed message into a typed Event. It is pure
// and never panics on malformed input; every failure is a *ParseError
// with a specific reason tag.
func ExtractEvent(msg *Message) (Event, error) {
	switch msg.Type {
	case "ADT^A01":
		return extractAdmission(msg)
	case "ADT^A03":
		return extractDischarge(msg)
	case "ORU^R01":
		return extractLabResult(msg)
	default:
		return Event{}, &ParseError{Reason: ReasonUnsupportedType, Detail: msg.Type}
	}
}

func extractAdmission(msg *Message) (Event, error) {
	mrn, err := patientMRN(msg)
	if err != nil {
		return Event{}, err
	}

	ev := Event{Kind: KindAdmission, MRN: mrn}

	pid := msg.GetSegment("PID")
	if dob := pid.GetField(7); dob != "" {
		if age, ok := AgeFromDOB(dob, time.Now()); ok {
			ev.Age = &age
		}
	}
	switch sex := strings.ToUpper(pid.GetComponent(8, 1)); sex {
	case "M", "F":
		ev.Sex = &sex
	}
	return ev, nil
}

func extractDischarge(msg *Message) (Event, error) {
	mrn, err := patientMRN(msg)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindDischarge, MRN: mrn}, nil
}

func extractLabResult(msg *Message) (Event, error) {
	mrn, err := patientMRN(msg)
	if err != nil {
		return Event{}, err
	}

	obx := msg.GetSegment("OBX")
	if obx == nil {
		return Event{}, &ParseError{Reason: ReasonMissingObservation, Detail: "no OBX segment"}
	}

	code := strings.ToUpper(obx.GetComponent(3, 1))
	if code != CreatinineCode {
		return Event{Kind: KindNoOp, MRN: mrn, TestCode: code}, nil
	}

	tsRaw := msg.GetSegment("OBR").GetField(7)
	if tsRaw == "" {
		return Event{}, &ParseError{Reason: ReasonBadTimestamp, Detail: "OBR-7 is empty"}
	}
	observedAt, err := ParseTimestamp(tsRaw)
	if err != nil {
		return Event{}, &ParseError{Reason: ReasonBadTimestamp, Detail: tsRaw}
	}

	valRaw := obx.GetField(5)
	value, err := strconv.ParseFloat(strings.TrimSpace(valRaw), 64)
	if err != nil {
		return Event{}, &ParseError{Reason: ReasonBadValue, Detail: valRaw}
	}

	return Event{
		Kind:       KindLabResult,
		MRN:        mrn,
		TestCode:   code,
		Value:      value,
		ObservedAt: observedAt,
	}, nil
}

// patientMRN reads PID-3.1, the external medical record number.
func patientMRN(msg *Message) (string, error) {
	mrn := strings.TrimSpace(msg.GetSegment("PID").GetComponent(3, 1))
	if mrn == "" {
		return "", &ParseError{Reason: ReasonMissingMRN, Detail: "PID-3 is empty"}
	}
	return mrn, nil
}

// AgeFromDOB computes whole years between a YYYYMMDD date of birth and
// now. It reports false for an unparseable date; an unknown age is not
// a parse failure.
func AgeFromDOB(dob string, now time.Time) (int, bool) {
	if len(dob) < 8 {
		return 0, false
	}
	birth, err := time.Parse("20060102", dob[:8])
	if err != nil {
		return 0, false
	}
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0, false
	}
	return age, true
}
