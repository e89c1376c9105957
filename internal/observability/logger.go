package observability

import "github.com/forcedaq/forcedaq/internal/logger"

var log = logger.Global().Module("observability")
