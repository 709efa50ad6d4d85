// Package api 定义 formrelay 控制面 HTTP API 的请求与响应类型。
//
// # API Overview
//
// 控制面运行在 `formrelay run` 进程内，提供：
//   - 操作员动作：切换模式、开关中继、启动/停止重试、提交确认链接等，
//     每个动作都在当前页面加载的事件循环上执行
//   - 引擎与状态机状态快照
//   - 验证码缓存与表单档案的查询和维护
//   - 运行中配置的查询、重载与回滚
//   - 健康检查与 Prometheus 指标
//
// # Authentication
//
// 配置 server.jwt.secret 后，/api/v1 下的全部端点需要 Bearer Token：
//
//	Authorization: Bearer <token>
//
// # Base URL
//
//	http://localhost:8080
//
// 处理器实现位于 api/handlers。
package api
