package subtletls

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// We use a simple global-slice logging scheme: each subsystem has a tag, and
// the SUBTLETLS_LOG environment variable selects which tags are live.  A value
// of "*" enables everything.  Output goes through a shared zap sugared logger
// so the format matches the rest of the stack.
//
//	SUBTLETLS_LOG=handshake,crypto ./client ...

const (
	logTypeCrypto    = "crypto"
	logTypeHandshake = "handshake"
	logTypeIO        = "io"
	logTypeVerify    = "verify"
)

var (
	logFunction = func(string, ...interface{}) {}
	logAll      = false
	logSettings = map[string]bool{}
)

func init() {
	parseLogEnv(os.Environ())
}

func parseLogEnv(env []string) {
	for _, stmt := range env {
		if !strings.HasPrefix(stmt, "SUBTLETLS_LOG=") {
			continue
		}
		val := strings.TrimPrefix(stmt, "SUBTLETLS_LOG=")
		if val == "" {
			continue
		}
		for _, t := range strings.Split(val, ",") {
			if t == "*" {
				logAll = true
			} else {
				logSettings[t] = true
			}
		}
	}
	if !logAll && len(logSettings) == 0 {
		return
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := cfg.Build(zap.WithCaller(false))
	if err != nil {
		return
	}
	logFunction = logger.Sugar().Debugf
}

func logf(tag string, format string, args ...interface{}) {
	if logAll || logSettings[tag] {
		logFunction("["+tag+"] "+format, args...)
	}
}
