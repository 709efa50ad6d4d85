// Copyright 2026 FormRelay Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 FormRelay 测试的共享工具和辅助函数。

# 概述

testutil 包为各领域包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup 防止泄漏
  - 轮询断言: AssertEventuallyTrue / WaitFor，用于真实 goroutine 驱动的组件

# 子包

  - testutil/mocks: MockPage（页面 I/O 的内存实现，记录调用并支持错误注入）、
    MockOCR、MockRelay、MockReporter
  - testutil/fixtures: 预置 Policy、Profile、广播与验证码记录样例

# 使用示例

	p := mocks.NewMockPage("https://x.test/en/request/confirm/").
		WithElement("#id_activation_key", "")
	loop := eventloop.NewManual(fixtures.BaseTime)
*/
package testutil
