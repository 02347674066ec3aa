package records

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the tagged union of record bodies: one variant per RecordType,
// selected by the tag at construction time. The core validates presence of
// the variant's required fields and otherwise treats the body as opaque.
type Payload interface {
	Type() RecordType
	Validate() error
}

// MedicalHistoryPayload describes a past or ongoing medical condition.
type MedicalHistoryPayload struct {
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	Condition     string                 `json:"condition,omitempty"`
	DiagnosisDate *time.Time             `json:"diagnosis_date,omitempty"`
	DoctorName    string                 `json:"doctor_name,omitempty"`
	HospitalName  string                 `json:"hospital_name,omitempty"`
	Attachments   []string               `json:"attachments,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (p MedicalHistoryPayload) Type() RecordType { return TypeMedicalHistory }

func (p MedicalHistoryPayload) Validate() error {
	if p.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	return nil
}

// Medication is one prescribed medicine with its dosage instructions.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Frequency string `json:"frequency,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// PrescriptionPayload is a prescription authored by a doctor, possibly for
// a patient other than the author.
type PrescriptionPayload struct {
	DoctorID       string                 `json:"doctor_id,omitempty"`
	DoctorName     string                 `json:"doctor_name"`
	Medications    []Medication           `json:"medications"`
	Instructions   string                 `json:"instructions,omitempty"`
	PrescribedDate *time.Time             `json:"prescribed_date,omitempty"`
	ValidUntil     *time.Time             `json:"valid_until,omitempty"`
	Attachments    []string               `json:"attachments,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func (p PrescriptionPayload) Type() RecordType { return TypePrescription }

func (p PrescriptionPayload) Validate() error {
	if p.DoctorName == "" {
		return fmt.Errorf("%w: doctor_name is required", ErrInvalid)
	}
	if len(p.Medications) == 0 {
		return fmt.Errorf("%w: at least one medication is required", ErrInvalid)
	}
	return nil
}

// LabReportPayload holds laboratory test results.
type LabReportPayload struct {
	TestName     string                 `json:"test_name"`
	TestType     string                 `json:"test_type"`
	LabName      string                 `json:"lab_name,omitempty"`
	TestDate     *time.Time             `json:"test_date,omitempty"`
	Results      map[string]interface{} `json:"results"`
	NormalRanges map[string]interface{} `json:"normal_ranges,omitempty"`
	DoctorNotes  string                 `json:"doctor_notes,omitempty"`
	Attachments  []string               `json:"attachments,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (p LabReportPayload) Type() RecordType { return TypeLabReport }

func (p LabReportPayload) Validate() error {
	if p.TestName == "" {
		return fmt.Errorf("%w: test_name is required", ErrInvalid)
	}
	if p.TestType == "" {
		return fmt.Errorf("%w: test_type is required", ErrInvalid)
	}
	if len(p.Results) == 0 {
		return fmt.Errorf("%w: results are required", ErrInvalid)
	}
	return nil
}

// VitalSignPayload is a single measurement, typically ingested from an IoT
// device rather than entered by hand.
type VitalSignPayload struct {
	Measurement string                 `json:"measurement"`
	Value       float64                `json:"value"`
	Unit        string                 `json:"unit,omitempty"`
	RecordedAt  *time.Time             `json:"recorded_at,omitempty"`
	DeviceID    string                 `json:"device_id,omitempty"`
	Notes       string                 `json:"notes,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (p VitalSignPayload) Type() RecordType { return TypeVitalSign }

func (p VitalSignPayload) Validate() error {
	if p.Measurement == "" {
		return fmt.Errorf("%w: measurement is required", ErrInvalid)
	}
	return nil
}

// DiagnosisPayload records a diagnosis made during a consultation.
type DiagnosisPayload struct {
	Code          string                 `json:"code,omitempty"`
	Description   string                 `json:"description"`
	DiagnosedBy   string                 `json:"diagnosed_by,omitempty"`
	DiagnosisDate *time.Time             `json:"diagnosis_date,omitempty"`
	Severity      string                 `json:"severity,omitempty"`
	Notes         string                 `json:"notes,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (p DiagnosisPayload) Type() RecordType { return TypeDiagnosis }

func (p DiagnosisPayload) Validate() error {
	if p.Description == "" {
		return fmt.Errorf("%w: description is required", ErrInvalid)
	}
	return nil
}

// TreatmentPayload describes a treatment plan.
type TreatmentPayload struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	StartDate    *time.Time             `json:"start_date,omitempty"`
	EndDate      *time.Time             `json:"end_date,omitempty"`
	PrescribedBy string                 `json:"prescribed_by,omitempty"`
	Status       string                 `json:"status,omitempty"`
	Notes        string                 `json:"notes,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

func (p TreatmentPayload) Type() RecordType { return TypeTreatment }

func (p TreatmentPayload) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	return nil
}

// DecodePayload unmarshals raw into the payload variant selected by t and
// validates it. Unknown fields are tolerated, matching the lenient intake
// of offline clients with older or newer schemas.
func DecodePayload(t RecordType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeMedicalHistory:
		var v MedicalHistoryPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformedPayload(t, err)
		}
		p = v
	case TypePrescription:
		var v PrescriptionPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformedPayload(t, err)
		}
		p = v
	case TypeLabReport:
		var v LabReportPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformedPayload(t, err)
		}
		p = v
	case TypeVitalSign:
		var v VitalSignPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformedPayload(t, err)
		}
		p = v
	case TypeDiagnosis:
		var v DiagnosisPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformedPayload(t, err)
		}
		p = v
	case TypeTreatment:
		var v TreatmentPayload
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, malformedPayload(t, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("%w: unknown record type %q", ErrInvalid, t)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func malformedPayload(t RecordType, err error) error {
	return fmt.Errorf("%w: malformed %s payload: %v", ErrInvalid, t, err)
}
