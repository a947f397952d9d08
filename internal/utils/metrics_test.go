package utils

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPipelineMetrics_RunAndStages(t *testing.T) {
	collector := NewMetricsCollector()
	pm := NewPipelineMetricsWith(collector, NewLogger(io.Discard, ERROR))

	pm.RecordRunStarted()
	assert.Equal(t, int64(1), collector.GetGauge("pipeline_active"))

	pm.RecordStage("render", false, 20*time.Millisecond)
	pm.RecordStage("render", true, 40*time.Millisecond)
	pm.RecordRunFinished("approved", 2, time.Second)

	assert.Equal(t, int64(1), collector.GetCounterValue("pipeline_runs_total"))
	assert.Equal(t, int64(1), collector.GetCounterValue("pipeline_runs_approved"))
	assert.Equal(t, int64(2), collector.GetCounterValue("stage_render_total"))
	assert.Equal(t, int64(1), collector.GetCounterValue("stage_render_failed"))
	assert.Equal(t, int64(0), collector.GetGauge("pipeline_active"))

	histograms := collector.GetMetrics()["histograms"].(map[string]map[string]int64)
	assert.Equal(t, int64(20), histograms["stage_render_time_ms"]["min"])
	assert.Equal(t, int64(40), histograms["stage_render_time_ms"]["max"])
}

func TestPipelineMetrics_APIStatusClass(t *testing.T) {
	collector := NewMetricsCollector()
	pm := NewPipelineMetricsWith(collector, NewLogger(io.Discard, ERROR))

	pm.RecordAPIRequest("/api/pipeline/start", "POST", 409, time.Millisecond)
	pm.RecordLLMRequest("ollama", "gemma3", 12, time.Millisecond)

	assert.Equal(t, int64(1), collector.GetCounterValue("api_responses_4xx"))
	assert.Equal(t, int64(12), collector.GetCounterValue("llm_tokens_total"))
}
