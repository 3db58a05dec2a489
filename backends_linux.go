// Tencent is pleased to support the open source community by making tRPC available.
// Copyright (C) 2023 THL A29 Limited, a Tencent company. All rights reserved.
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.

//go:build linux

package reactor

import (
	"github.com/nqreactor/reactor/backend"
	"github.com/nqreactor/reactor/backend/epoll"
)

// defaultBackendFactories returns the backend preference order for this
// platform. The reference implementation covers epoll only; evport,
// kqueue, devpoll, poll, select, and IOCP are external collaborators this
// module does not provide (see Purpose & Scope).
func defaultBackendFactories() []backend.Factory {
	return []backend.Factory{epoll.New}
}
