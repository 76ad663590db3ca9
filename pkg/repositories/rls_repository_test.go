package repositories

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenbi/lumen-engine/pkg/models"
)

func TestAuditRecordUpdateCarriesBothValues(t *testing.T) {
	actor := models.AuditActor{UserID: "admin-1", IP: "10.0.0.5", UserAgent: "lumen-cli/1.2"}
	old := &models.RLSFilter{
		ID:       uuid.MustParse("7b5a3c1e-0000-4000-8000-000000000001"),
		UserID:   "analyst-9",
		Table:    "orders",
		Column:   "region",
		Operator: "=",
		Value:    "emea",
		Active:   true,
	}
	updated := *old
	updated.Value = "apac"

	record, err := auditRecord(actor, models.AuditActionUpdate, "rls_filter", old.ID.String(), old, &updated)
	require.NoError(t, err)

	assert.Equal(t, "admin-1", record.Who)
	assert.Equal(t, models.AuditActionUpdate, record.Action)
	assert.Equal(t, "rls_filter", record.EntityType)
	assert.Equal(t, old.ID.String(), record.EntityID)
	assert.Equal(t, "10.0.0.5", record.IP)
	assert.Equal(t, "lumen-cli/1.2", record.UserAgent)
	assert.WithinDuration(t, time.Now().UTC(), record.When, time.Minute)

	var before, after models.RLSFilter
	require.NoError(t, json.Unmarshal(record.OldValue, &before))
	require.NoError(t, json.Unmarshal(record.NewValue, &after))
	assert.Equal(t, "emea", before.Value)
	assert.Equal(t, "apac", after.Value)
}

func TestAuditRecordCreateHasNoOldValue(t *testing.T) {
	actor := models.AuditActor{UserID: "admin-1"}

	record, err := auditRecord(actor, models.AuditActionCreate, "user_roles", "analyst-9/conn-1", nil, []string{"finance"})
	require.NoError(t, err)

	assert.Nil(t, record.OldValue)
	require.NotNil(t, record.NewValue)

	var roles []string
	require.NoError(t, json.Unmarshal(record.NewValue, &roles))
	assert.Equal(t, []string{"finance"}, roles)
}

func TestAuditRecordDeleteHasNoNewValue(t *testing.T) {
	actor := models.AuditActor{UserID: "admin-1"}
	old := &models.RLSFilter{UserID: "analyst-9", Table: "orders", Column: "region", Operator: "="}

	record, err := auditRecord(actor, models.AuditActionDelete, "rls_filter", "some-id", old, nil)
	require.NoError(t, err)

	assert.NotNil(t, record.OldValue)
	assert.Nil(t, record.NewValue)
}

func TestJSONBValueNilSliceIsNull(t *testing.T) {
	v, err := jsonbValue([]string(nil))
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = jsonbValue([]string{"a"})
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(v.([]byte)))
}
