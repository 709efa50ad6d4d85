// Package backend 封装与协调服务端之间的出站调用：远程验证码识别、
// 链接与验证码中继、页面阶段上报以及提交记录上报（MongoDB 或日志）。
//
// 所有调用都是阻塞的，自动化状态机通过 eventloop.Loop.Go 在事件循环之外执行。
package backend
