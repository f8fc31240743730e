package app

// 构建信息，通过 -ldflags "-X custody-ledger/internal/app.Version=..." 注入。
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)
