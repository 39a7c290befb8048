// 版权所有 2024 AgentTeam Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 migration 管理运行生命周期 journal 的表结构版本，支持 PostgreSQL、
MySQL 与 SQLite 三种方言，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌各方言的 SQL 迁移文件，在节点已打开的
数据库连接上执行版本化迁移。journal 启动时仍会执行 GORM AutoMigrate，
生产环境建议先以 `teamnode migrate up` 显式迁移。

# 核心类型

  - Migrator：封装 golang-migrate 实例，提供 Up/Down/Version/Status/Close。
  - DatabaseType：方言枚举（postgres/mysql/sqlite），ParseDatabaseType 解析别名。
  - Status：当前版本、最新版本、待执行数量与 dirty 标记。
  - CLI：面向终端的 up/down/status/version 子命令输出。
*/
package migration
