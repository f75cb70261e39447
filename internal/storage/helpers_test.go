package storage

import logx "taskcore/pkg/logx"

func nilLogger() logx.Logger { return logx.Nop() }
