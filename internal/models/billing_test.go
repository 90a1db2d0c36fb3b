package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBillingTypeKnown(t *testing.T) {
	assert.True(t, BillingTypeUsageBased.Known())
	assert.True(t, BillingTypeQuantityBased.Known())
	assert.False(t, BillingType("").Known())
	assert.False(t, BillingType("per_user_legacy").Known())
}
