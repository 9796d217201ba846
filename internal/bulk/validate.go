package bulk

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/user/crmbulk/internal/store"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[store.EntityType]string{
	store.EntityContact:     "schemas/contact.json",
	store.EntityCompany:     "schemas/company.json",
	store.EntityLead:        "schemas/lead.json",
	store.EntityOpportunity: "schemas/opportunity.json",
	store.EntityTask:        "schemas/task.json",
}

var loadSchemas = sync.OnceValues(func() (map[store.EntityType]*gojsonschema.Schema, error) {
	out := make(map[store.EntityType]*gojsonschema.Schema, len(schemaFiles))
	for t, name := range schemaFiles {
		raw, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[t] = s
	}
	return out, nil
})

// SubmitRequest is the body of a bulk action submission.
type SubmitRequest struct {
	AccountID        string            `json:"accountId"`
	EntityType       string            `json:"entityType"`
	EntitiesToUpdate []json.RawMessage `json:"entitiesToUpdate"`
	ScheduledFor     string            `json:"scheduledFor,omitempty"`
}

// ValidationError lists everything wrong with a submission.
type ValidationError struct {
	Problems []string `json:"errors"`
}

func (e *ValidationError) Error() string {
	return "invalid bulk action: " + strings.Join(e.Problems, "; ")
}

// IsValidationError reports whether err (or anything it wraps) is a *ValidationError.
func IsValidationError(err error) bool {
	_, ok := AsValidationError(err)
	return ok
}

func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// ValidateRequest checks req against the entity schemas and returns the
// action to persist. now bounds scheduledFor, which must lie strictly in
// the future.
func ValidateRequest(req SubmitRequest, now time.Time) (*store.NewBulkAction, error) {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(req.AccountID) == "" {
		addf("accountId is required")
	}
	entityType := store.EntityType(req.EntityType)
	if !entityType.Valid() {
		names := make([]string, 0, 5)
		for _, t := range store.EntityTypes() {
			names = append(names, string(t))
		}
		addf("entityType must be one of %s", strings.Join(names, ", "))
	}
	if len(req.EntitiesToUpdate) == 0 {
		addf("entitiesToUpdate must contain at least one entity")
	}

	var scheduledFor *time.Time
	if s := strings.TrimSpace(req.ScheduledFor); s != "" {
		at, err := time.Parse(time.RFC3339Nano, s)
		switch {
		case err != nil:
			addf("scheduledFor must be an ISO-8601 timestamp")
		case !at.After(now):
			addf("scheduledFor must be in the future")
		default:
			at = at.UTC()
			scheduledFor = &at
		}
	}

	var updates []store.EntityUpdate
	if entityType.Valid() && len(req.EntitiesToUpdate) > 0 {
		schemas, err := loadSchemas()
		if err != nil {
			return nil, err
		}
		schema := schemas[entityType]
		seen := make(map[string]int, len(req.EntitiesToUpdate))
		for i, raw := range req.EntitiesToUpdate {
			res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
			if err != nil {
				addf("entitiesToUpdate[%d]: %v", i, err)
				continue
			}
			if !res.Valid() {
				for _, re := range res.Errors() {
					addf("entitiesToUpdate[%d]%s: %s", i, fieldSuffix(re.Field()), re.Description())
				}
				continue
			}
			var u store.EntityUpdate
			if err := json.Unmarshal(raw, &u); err != nil {
				addf("entitiesToUpdate[%d]: %v", i, err)
				continue
			}
			if first, dup := seen[u.ID]; dup {
				addf("entitiesToUpdate[%d]: _id %s duplicates entitiesToUpdate[%d]", i, u.ID, first)
				continue
			}
			seen[u.ID] = i
			updates = append(updates, u)
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}
	return &store.NewBulkAction{
		AccountID:        strings.TrimSpace(req.AccountID),
		EntityType:       entityType,
		EntitiesToUpdate: updates,
		ScheduledFor:     scheduledFor,
	}, nil
}

func fieldSuffix(field string) string {
	if field == "" || field == "(root)" {
		return ""
	}
	return "." + field
}
