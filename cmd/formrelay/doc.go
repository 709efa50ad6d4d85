// Copyright (c) FormRelay Authors.
// Licensed under the MIT License.

/*
Package main 提供 FormRelay 的命令行入口。

# 概述

cmd/formrelay 基于 cobra 组织子命令：run 启动浏览器、引擎与控制面；
其余子命令用于离线维护数据库、验证码缓存与表单档案。全局参数
--config 与 --env-prefix 决定配置来源。

# 核心类型

  - App:       一次 run 的全部组件，负责启动顺序与优雅关闭
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：run、migrate、captcha、forms、config、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、CORS、RateLimiter（基于 IP）、JWTAuth、MetricsMiddleware
  - 配置热重载：log.level 与 captcha.capacity 在运行中生效
  - Metrics 服务器：独立地址暴露 /metrics（Prometheus）
  - 优雅关闭：停止热更新 → 关闭 HTTP → 关闭浏览器 → 释放存储 → 关闭 OTel
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
