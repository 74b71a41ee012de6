package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserve(t *testing.T) {
	before := testutil.ToFloat64(LifecycleOperations.WithLabelValues("rename", "error"))

	Observe("rename", time.Now(), errors.New("boom"))
	Observe("rename", time.Now(), nil)

	assert.Equal(t, before+1, testutil.ToFloat64(LifecycleOperations.WithLabelValues("rename", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(LifecycleOperations.WithLabelValues("rename", "success")), 1.0)
}
