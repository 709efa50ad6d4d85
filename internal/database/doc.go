/*
包 database 负责打开引擎使用的关系型数据库并管理其连接池。

# 概述

验证码记录（captcha_records）与表单档案（form_profiles）可以落在
PostgreSQL、MySQL 或纯 Go 的 SQLite 上。Open 根据 Config.Driver
选择 GORM 方言，PoolManager 在其上做连接池调优、后台探活与
带退避重试的事务执行。

# 核心类型

  - Config：驱动、连接参数与连接池配置，DSN() 生成驱动所需的连接串。
  - PoolManager：持有 *gorm.DB 与底层 *sql.DB，提供 Ping、Stats、
    WithTransaction、Close，以及由 Start 启动、随 context 结束的健康检查。
  - PoolStats：可直接序列化到 /healthz 的连接池统计。

# 重试

WithTransaction 对死锁、序列化失败、连接中断等瞬时错误使用
cenkalti/backoff 指数退避重试，其余错误立即返回。
*/
package database
