package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTransitionUsesNoneForCreation(t *testing.T) {
	before := testutil.ToFloat64(CaseTransitionsTotal.WithLabelValues("none", "PENDING"))
	RecordTransition("", "PENDING")
	after := testutil.ToFloat64(CaseTransitionsTotal.WithLabelValues("none", "PENDING"))
	assert.Equal(t, before+1, after)
}

func TestRecordWebhook(t *testing.T) {
	before := testutil.ToFloat64(WebhooksTotal.WithLabelValues("stripe", "duplicate"))
	RecordWebhook("stripe", "duplicate")
	assert.Equal(t, before+1, testutil.ToFloat64(WebhooksTotal.WithLabelValues("stripe", "duplicate")))
}
