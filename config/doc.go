// Package config 提供 FormRelay 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（前缀 FORMRELAY）的顺序合并，
// 各组件的配置类型直接嵌入 Config，默认值来自组件自身的 DefaultConfig。
// HotReloadManager 基于 fsnotify 监听配置文件，只有登记为可热重载的字段
// （日志级别、验证码容量）在运行中生效，其余变化记录为需要重启。
package config
