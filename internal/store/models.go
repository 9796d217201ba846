package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityType names one of the record collections a bulk action can target.
type EntityType string

const (
	EntityContact     EntityType = "Contact"
	EntityCompany     EntityType = "Company"
	EntityLead        EntityType = "Lead"
	EntityOpportunity EntityType = "Opportunity"
	EntityTask        EntityType = "Task"
)

type entityTable struct {
	table   string
	columns []string // updatable columns, in schema order
}

var entityTables = map[EntityType]entityTable{
	EntityContact:     {table: "contacts", columns: []string{"name", "email", "phone"}},
	EntityCompany:     {table: "companies", columns: []string{"name", "industry"}},
	EntityLead:        {table: "leads", columns: []string{"name", "email"}},
	EntityOpportunity: {table: "opportunities", columns: []string{"name", "email"}},
	EntityTask:        {table: "tasks", columns: []string{"title", "description"}},
}

// EntityTypes returns every supported entity type in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityContact, EntityCompany, EntityLead, EntityOpportunity, EntityTask}
}

func (t EntityType) Valid() bool {
	_, ok := entityTables[t]
	return ok
}

// Columns returns the updatable field names of the entity type.
func (t EntityType) Columns() []string {
	return append([]string(nil), entityTables[t].columns...)
}

// HasEmail reports whether records of this type carry a unique email.
func (t EntityType) HasEmail() bool {
	for _, c := range entityTables[t].columns {
		if c == "email" {
			return true
		}
	}
	return false
}

// BulkActionStatus is monotonic: queued -> processing -> completed.
type BulkActionStatus string

const (
	StatusQueued     BulkActionStatus = "queued"
	StatusProcessing BulkActionStatus = "processing"
	StatusCompleted  BulkActionStatus = "completed"
)

// EntityUpdate is one element of a bulk action: the target record, the
// version the caller expects it to be at, and the fields to set.
// On the wire it is a flat object: {"_id": ..., "version": N, "<field>": value}.
type EntityUpdate struct {
	ID      string
	Version int64
	Fields  map[string]any
}

func (u EntityUpdate) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(u.Fields)+2)
	for k, v := range u.Fields {
		m[k] = v
	}
	m["_id"] = u.ID
	m["version"] = u.Version
	return json.Marshal(m)
}

func (u *EntityUpdate) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("entity update must be an object")
	}

	id, err := normalizeEntityID(raw["_id"])
	if err != nil {
		return err
	}
	var version int64
	if v, ok := raw["version"]; ok && v != nil {
		n, ok := v.(json.Number)
		if !ok {
			return fmt.Errorf("entity %s: version must be a number", id)
		}
		version, err = n.Int64()
		if err != nil {
			return fmt.Errorf("entity %s: version must be an integer", id)
		}
	}

	fields := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "_id" || k == "version" {
			continue
		}
		fields[k] = v
	}
	*u = EntityUpdate{ID: id, Version: version, Fields: fields}
	return nil
}

// Email returns the email the update sets, if any.
func (u EntityUpdate) Email() (string, bool) {
	v, ok := u.Fields["email"].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// FieldNames returns the update's field names sorted.
func (u EntityUpdate) FieldNames() []string {
	names := make([]string, 0, len(u.Fields))
	for k := range u.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func normalizeEntityID(v any) (string, error) {
	switch id := v.(type) {
	case string:
		if strings.TrimSpace(id) == "" {
			return "", fmt.Errorf("_id must not be empty")
		}
		return id, nil
	case json.Number:
		if _, err := id.Int64(); err != nil {
			return "", fmt.Errorf("_id %s must be an integer", id)
		}
		return id.String(), nil
	case float64:
		if id != float64(int64(id)) {
			return "", fmt.Errorf("_id %v must be an integer", id)
		}
		return fmt.Sprintf("%d", int64(id)), nil
	case nil:
		return "", fmt.Errorf("_id is required")
	default:
		return "", fmt.Errorf("_id has unsupported type %T", v)
	}
}

// ActionError records why one entity of a bulk action failed or was skipped.
type ActionError struct {
	EntityID string `json:"entityId"`
	Message  string `json:"message"`
}

// Progress is the set of counters derived from a ledger snapshot.
type Progress struct {
	Success int           `json:"successCount"`
	Failure int           `json:"failureCount"`
	Skipped int           `json:"skippedCount"`
	Errors  []ActionError `json:"actionErrors"`
}

// Processed is the number of entities with a recorded outcome.
func (p Progress) Processed() int {
	return p.Success + p.Failure + p.Skipped
}

// BulkAction is the durable control record for one bulk update request.
type BulkAction struct {
	ID               string           `json:"bulkActionId"`
	AccountID        string           `json:"accountId"`
	EntityType       EntityType       `json:"entityType"`
	EntitiesToUpdate []EntityUpdate   `json:"entitiesToUpdate"`
	Status           BulkActionStatus `json:"status"`
	SuccessCount     int              `json:"successCount"`
	FailureCount     int              `json:"failureCount"`
	SkippedCount     int              `json:"skippedCount"`
	ActionErrors     []ActionError    `json:"actionErrors"`
	ScheduledFor     *time.Time       `json:"scheduledFor,omitempty"`
	SequenceNumber   int              `json:"sequenceNumber"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Progress returns the counters currently recorded on the action.
func (a *BulkAction) Progress() Progress {
	return Progress{
		Success: a.SuccessCount,
		Failure: a.FailureCount,
		Skipped: a.SkippedCount,
		Errors:  a.ActionErrors,
	}
}

// BulkActionSummary is the list view of a bulk action.
type BulkActionSummary struct {
	AccountID    string           `json:"accountId"`
	ID           string           `json:"bulkActionId"`
	EntityType   EntityType       `json:"entityType"`
	Status       BulkActionStatus `json:"status"`
	SuccessCount int              `json:"successCount"`
	FailureCount int              `json:"failureCount"`
	SkippedCount int              `json:"skippedCount"`
	ScheduledFor *time.Time       `json:"scheduledFor"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// BulkActionPage is one page of ListBulkActions.
type BulkActionPage struct {
	Actions    []BulkActionSummary `json:"actions"`
	Total      int                 `json:"total"`
	Page       int                 `json:"page"`
	Limit      int                 `json:"limit"`
	TotalPages int                 `json:"totalPages"`
}

// Entity is a record read back from an entity collection.
type Entity struct {
	ID        string            `json:"_id"`
	Version   int64             `json:"version"`
	Fields    map[string]string `json:"fields"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// LogEntry is one persisted log line.
type LogEntry struct {
	ID        int64           `json:"id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Attrs     json.RawMessage `json:"attrs,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// LogFilter selects persisted log lines. Zero values mean "no bound".
type LogFilter struct {
	From  time.Time
	To    time.Time
	Level string
	Page  int
	Limit int
}

// LogPage is one page of ListLogs.
type LogPage struct {
	Logs       []LogEntry `json:"logs"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
	TotalPages int        `json:"totalPages"`
}

// normalizePage applies the list defaults: page 1, limit 10, limit capped at 100.
func normalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return page, limit
}

func totalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
