package risk

import (
	"fmt"
	"strings"

	"github.com/mbd888/fraudguard/internal/lists"
	"github.com/mbd888/fraudguard/internal/riskconfig"
	"github.com/mbd888/fraudguard/internal/signals"
	"github.com/mbd888/fraudguard/internal/validation"
)

// Subject types accepted by Evaluate.
const (
	SubjectUID    = "uid"
	SubjectIP     = "ip"
	SubjectDevice = "device"
)

// EvaluationContext describes one event to evaluate. IP and UserAgent are
// used for counting, list lookups and bot checks; only hashes are stored.
type EvaluationContext struct {
	SubjectID         string `json:"subjectId"`
	SubjectType       string `json:"subjectType"`
	Kind              string `json:"kind,omitempty"`
	Shape             Shape  `json:"shape,omitempty"`
	UID               string `json:"uid,omitempty"`
	IP                string `json:"ip,omitempty"`
	IPHash            string `json:"ipHash,omitempty"`
	DeviceHash        string `json:"deviceHash,omitempty"`
	UAHash            string `json:"uaHash,omitempty"`
	UserAgent         string `json:"userAgent,omitempty"`
	Country           string `json:"country,omitempty"`
	EmailDomain       string `json:"emailDomain,omitempty"`
	BIN               string `json:"bin,omitempty"`
	AppIntegrityToken string `json:"appIntegrityToken,omitempty"`
	ChallengeToken    string `json:"challengeToken,omitempty"`
}

// normalize fills defaults and canonicalizes values. The subject id stands
// in for the matching identifier when that identifier is not given.
func (ec EvaluationContext) normalize() EvaluationContext {
	ec.SubjectID = strings.TrimSpace(ec.SubjectID)
	ec.SubjectType = strings.ToLower(strings.TrimSpace(ec.SubjectType))
	ec.Kind = strings.ToLower(strings.TrimSpace(ec.Kind))
	if ec.Kind == "" {
		ec.Kind = riskconfig.DefaultKind
	}
	if ec.Shape == "" {
		ec.Shape = ShapeVerdict
	}
	switch ec.SubjectType {
	case SubjectUID:
		if ec.UID == "" {
			ec.UID = ec.SubjectID
		}
	case SubjectIP:
		if ec.IPHash == "" && ec.IP == "" {
			ec.IPHash = ec.SubjectID
		}
	case SubjectDevice:
		if ec.DeviceHash == "" {
			ec.DeviceHash = ec.SubjectID
		}
	}
	if ec.IP != "" {
		ec.IP = validation.NormalizeIP(ec.IP)
		if ec.IPHash == "" {
			ec.IPHash = signals.HashIP(ec.IP)
		}
	}
	ec.Country = strings.ToUpper(strings.TrimSpace(ec.Country))
	ec.EmailDomain = validation.NormalizeDomain(ec.EmailDomain)
	ec.BIN = strings.TrimSpace(ec.BIN)
	return ec
}

// validate expects a normalized context.
func (ec EvaluationContext) validate() error {
	errs := validation.Validate(
		validation.Required("subjectId", ec.SubjectID),
		validation.Required("subjectType", ec.SubjectType),
		validation.OneOf("subjectType", ec.SubjectType, SubjectUID, SubjectIP, SubjectDevice),
		validation.OneOf("shape", string(ec.Shape), string(ShapeVerdict), string(ShapeAction)),
		validation.MaxLength("subjectId", ec.SubjectID, 256),
		validation.MaxLength("kind", ec.Kind, 64),
		validation.MaxLength("uid", ec.UID, 256),
		validation.MaxLength("ipHash", ec.IPHash, 256),
		validation.MaxLength("deviceHash", ec.DeviceHash, 256),
		validation.MaxLength("uaHash", ec.UAHash, 256),
		validation.MaxLength("userAgent", ec.UserAgent, 2048),
		validation.MaxLength("appIntegrityToken", ec.AppIntegrityToken, 16384),
		validation.MaxLength("challengeToken", ec.ChallengeToken, 16384),
		validation.ValidIP("ip", ec.IP),
		validation.ValidCountry("country", ec.Country),
		func() *validation.ValidationError {
			if ec.EmailDomain != "" && !validation.IsValidDomain(ec.EmailDomain) {
				return &validation.ValidationError{Field: "emailDomain", Message: "must be a valid domain"}
			}
			return nil
		},
		func() *validation.ValidationError {
			if ec.BIN != "" && !validation.IsValidBIN(ec.BIN) {
				return &validation.ValidationError{Field: "bin", Message: "must be exactly 6 digits"}
			}
			return nil
		},
	)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidContext, errs)
	}
	return nil
}

func (ec EvaluationContext) signalInput() signals.Input {
	return signals.Input{
		SubjectType:       ec.SubjectType,
		SubjectID:         ec.SubjectID,
		UID:               ec.UID,
		IP:                ec.IP,
		IPHash:            ec.IPHash,
		DeviceHash:        ec.DeviceHash,
		UAHash:            ec.UAHash,
		UserAgent:         ec.UserAgent,
		Country:           ec.Country,
		EmailDomain:       ec.EmailDomain,
		BIN:               ec.BIN,
		AppIntegrityToken: ec.AppIntegrityToken,
		ChallengeToken:    ec.ChallengeToken,
	}
}

// listQueries is every identifier the list gate checks. Empty values are
// skipped by the list service.
func (ec EvaluationContext) listQueries() []lists.Query {
	return []lists.Query{
		{Type: lists.TypeUID, Value: ec.UID},
		{Type: lists.TypeIP, Value: ec.IP},
		{Type: lists.TypeDevice, Value: ec.DeviceHash},
		{Type: lists.TypeEmailDomain, Value: ec.EmailDomain},
		{Type: lists.TypeBIN, Value: ec.BIN},
	}
}
