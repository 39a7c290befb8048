// Copyright (c) AgentTeam Authors.
// Licensed under the MIT License.

/*
Package types 提供分布式团队运行时的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 distributed/*、api、cmd
等上层模块提供统一的错误码与 context 约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - 团队运行错误码     — TEAM_DISPATCH_UNAVAILABLE、STALE_APPROVAL_TOKEN、
    RUN_AUTO_STOPPED、STALE_RUN_VERSION、DUPLICATE_SOURCE_EVENT 等

# 主要能力

  - Context 传播：WithTraceID / WithRequestID / WithTeamRunID / WithCallerNodeID
  - 错误工具链：GetErrorCode / IsErrorCode / IsRetryable（支持 errors.As 链式解包）
*/
package types
