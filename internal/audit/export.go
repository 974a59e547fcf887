package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Export formats supported by the ledger.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{
	"id", "eventType", "timestamp",
	"userId", "userEmail", "userRole", "employeeId",
	"resourceType", "resourceId",
	"success", "errorMessage", "durationMs",
	"ip", "userAgent", "requestId",
	"dataClassification", "retentionDays",
}

// Export serializes all events matching filter, newest first, as CSV or
// JSON. Export is unpaginated; compliance extracts want the full range.
func (l *Ledger) Export(filter Filter, format string) ([]byte, error) {
	events, err := l.Query(filter, Page{Limit: maxQueryLimit})
	if err != nil {
		return nil, err
	}
	// Drain past the query cap so the extract is complete.
	for len(events)%maxQueryLimit == 0 && len(events) > 0 {
		more, err := l.Query(filter, Page{Limit: maxQueryLimit, Offset: len(events)})
		if err != nil {
			return nil, err
		}
		if len(more) == 0 {
			break
		}
		events = append(events, more...)
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(events, "", "  ")
	case FormatCSV:
		return exportCSV(events)
	default:
		return nil, fmt.Errorf("audit: unsupported export format %q", format)
	}
}

func exportCSV(events []Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for i := range events {
		e := &events[i]
		var resType, resID string
		if e.Resource != nil {
			resType, resID = e.Resource.Type, e.Resource.ID
		}
		row := []string{
			e.ID, string(e.Kind), e.Timestamp.Format(time.RFC3339Nano),
			e.User.ID, e.User.Email, e.User.Role, e.User.EmployeeID,
			resType, resID,
			strconv.FormatBool(e.Action.Success), e.Action.ErrorMessage, strconv.FormatInt(e.Action.DurationMs, 10),
			e.Context.IP, e.Context.UserAgent, e.Context.RequestID,
			e.Compliance.DataClassification, strconv.Itoa(e.Compliance.RetentionDays),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
