// 版权所有 2024 AgentTeam Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为运行生命周期 journal 打开并托管 GORM 连接。

# 概述

Open 按 config.DatabaseConfig 选择 dialector（postgres、mysql，或 glebarez
纯 Go sqlite），再交给 PoolManager 设置连接池上限并启动后台探活。
节点关闭时 Close 先停止探活再关闭底层 sql.DB。

# 核心类型

  - PoolManager：持有 *gorm.DB，提供 DB、Ping、Stats、Close 与事务辅助方法。
  - PoolConfig：连接池参数，PoolConfigFrom 从数据库配置推导。
  - TransactionFunc：事务回调。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 在死锁、序列化失败、
sqlite 锁冲突时按指数退避重试，journal 追加状态迁移时使用。
*/
package database
