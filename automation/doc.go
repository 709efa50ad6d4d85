// Package automation 是每次页面加载的自动化状态机。
//
// 状态机在页面加载时对页面分类一次（第一步、第二步、确认页或其他），
// 然后按页面类型挂载倒计时、重试循环、验证码轮询与调度器。
// 所有回调都运行在 eventloop 上；页面 I/O、HTTP 与 OCR 调用通过
// Loop.Go 在循环外执行，结果再投递回循环。
//
// 导航前必须调用 Machine.Stop，所有计时器都登记在 Context 上并一并清除。
package automation
