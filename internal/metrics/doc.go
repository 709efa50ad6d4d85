// 版权所有 2024 FormRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的引擎指标采集能力，覆盖
出站 HTTP、实时通道、调度器、验证码、提交、缓存与数据库七个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
注册机制。所有指标按 namespace 隔离；测试可以通过
NewCollectorWithRegisterer 传入独立的 Registry。

# 核心类型

  - Collector：指标收集器，nil 接收者上的 Record 方法为空操作。

# 主要能力

  - 出站 HTTP：请求总数、耗时、响应体大小，按 method/host/status 分组。
  - 实时通道：当前状态 Gauge、重连次数、按 kind 分组的入站消息。
  - 调度器：接收判定、按 route 分组的处理结果、队列长度。
  - 验证码：写入、淘汰、消费结果、OCR 请求数与耗时。
  - 提交：按页面与结果分组的表单提交次数。
  - 缓存与数据库：命中/未命中、连接数与查询耗时。
*/
package metrics
