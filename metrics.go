// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package accel

import (
	"github.com/hashicorp/go-metrics"
	"go.uber.org/zap"
)

var (
	MetricDispatchCalls       = []string{"accel", "dispatch", "calls"}
	MetricDispatchErrors      = []string{"accel", "dispatch", "errors"}
	MetricDispatchLatencyMs   = []string{"accel", "dispatch", "latency_ms"}
	MetricStoreRegisteredByte = []string{"accel", "store", "registered", "bytes"}
	MetricStoreResources      = []string{"accel", "store", "resources"}
	MetricTransportDropped    = []string{"accel", "transport", "dropped", "responses"}
)

type TelemetryLabel string

var (
	LabelOp        TelemetryLabel = "op"
	LabelCode      TelemetryLabel = "code"
	LabelKind      TelemetryLabel = "kind"
	LabelTransport TelemetryLabel = "transport"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) Z(val string) zap.Field {
	return zap.String(string(lab), val)
}

func sinkOr(ms metrics.MetricSink) metrics.MetricSink {
	if ms != nil {
		return ms
	}
	return metrics.Default()
}
