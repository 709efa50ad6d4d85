/*
Package handlers 提供 formrelay 控制面 HTTP API 的请求处理器实现。

# 核心类型

  - ControlHandler: 操作员动作与引擎状态（/api/v1/status, /api/v1/control/{action}）
  - CaptchaHandler: 验证码缓存列表、修正、清理与容量
  - FormsHandler:  表单档案 CRUD、标记与排序
  - ConfigHandler: 脱敏配置查询、变更记录、重载与回滚（仅在配置文件热重载开启时挂载）
  - HealthHandler: 存活与就绪检查（/health, /ready），支持可选检查降级
  - Response:      统一 JSON 响应结构（success + data + error + timestamp）

# 动作执行

ControlHandler 先在请求 goroutine 上校验请求体，再通过 Controller.Do
把动作投递到当前页面加载的事件循环上等待执行。没有页面加载时返回
409 NOT_RUNNING，等待超时返回 504。

所有 Handler 通过 Register(mux, wrap) 挂载到 Go 1.22 的方法路由上，
wrap 用于套上鉴权等中间件。
*/
package handlers
