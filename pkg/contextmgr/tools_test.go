package contextmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManageToolContext_ReturnsTopNRelevant(t *testing.T) {
	m := newTestManager(Config{MaxTools: 2})
	tools := []ToolDescriptor{
		{Name: "weather_lookup", Description: "Current weather for a city"},
		{Name: "incident_search", Description: "Search open incidents in the tracker", Keywords: []string{"ticket", "outage"}},
		{Name: "incident_stats", Description: "Count incidents grouped by status"},
		{Name: "calendar", Description: "List meetings"},
	}

	got := m.ManageToolContext(tools, "How many open incidents are there?")

	names := make([]string, len(got))
	for i, tool := range got {
		names[i] = tool.Name
	}
	assert.Len(t, names, 2)
	assert.ElementsMatch(t, []string{"incident_search", "incident_stats"}, names)
}

func TestManageToolContext_NoOverlapReturnsNothing(t *testing.T) {
	m := newTestManager(Config{})
	tools := []ToolDescriptor{{Name: "calendar", Description: "List meetings"}}

	assert.Empty(t, m.ManageToolContext(tools, "hello there"))
	assert.Nil(t, m.ManageToolContext(nil, "anything"))
}
