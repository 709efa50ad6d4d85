// Package telemetry 初始化 OpenTelemetry 的 TracerProvider 与 MeterProvider。
// 禁用时保留全局 noop 实现，httpx、backend 与 dispatch 中的 span 不产生开销。
package telemetry
