// Copyright (c) FormRelay Authors.
// Licensed under the MIT License.

/*
Package types 提供 formrelay 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。session、captcha、realtime、
dispatch、automation 等模块通过这里的结构化错误体系交换故障语义。

# 错误分类

  - 瞬时故障（TRANSIENT_NETWORK）：组件边界吞掉，由下一个定时器 tick 重试
  - 协议故障（PROTOCOL）：记录后丢弃
  - 策略故障（POLICY）：回退到刷新路径
  - 终止故障（SESSION_EXPIRED / REPORT_REQUIRED / SESSION_UNKNOWN / BLOCKED）
    只由启动流程上报

# 主要能力

  - NewError / NewTerminalError 构造
  - WithCause / WithRetryable / WithComponent 链式设置
  - IsRetryable / IsTerminal / GetErrorCode 沿 errors.As 链判断
*/
package types
