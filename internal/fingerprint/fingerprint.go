// Package fingerprint derives the stable identity key that merges
// events into alerts. The same (group_by_field, group_by_value) pair
// always produces the same digest; distinct pairs practically never
// collide at the expected key cardinality.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/t77yq/alert-correlation/internal/model"
)

// Compute returns the 32-hex digest of "field:value"
func Compute(groupByField, groupByValue string) string {
	sum := md5.Sum([]byte(groupByField + ":" + groupByValue))
	return hex.EncodeToString(sum[:])
}

// FromEvent computes the fingerprint for an event's resolved grouping
// pair. The ingestion layer guarantees both fields are present.
func FromEvent(event *model.Event) string {
	return Compute(event.GroupByField, event.GroupByValue)
}

// SessionKey derives the grouping key for a session-window rule.
// Empty key fields fall back to the event fingerprint.
func SessionKey(event *model.Event, keyFields []string) (string, error) {
	if len(keyFields) == 0 {
		return FromEvent(event), nil
	}

	parts := make([]string, 0, len(keyFields))
	for _, field := range keyFields {
		value, ok := event.Field(field)
		if !ok {
			return "", fmt.Errorf("session key field %q not resolvable on event %s", field, event.EventID)
		}
		parts = append(parts, fmt.Sprintf("%s=%v", field, value))
	}
	return Compute("session", strings.Join(parts, ",")), nil
}
