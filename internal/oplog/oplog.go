package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/addreams/pkg/ledger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const statusError = "error"

// ZapLogger reports ledger operations as structured zap entries.
type ZapLogger struct {
	logger *zap.Logger
}

// New returns a ledger.OperationLogger backed by zap. A nil logger is replaced with zap.NewNop.
func New(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger.Named("ledger")}
}

// LogOperation writes one entry per operation; failures are logged at error level.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("product_shoots", entry.Balance.ProductShoots),
		zap.Int64("ad_graphics", entry.Balance.AdGraphics),
	}
	if entry.Workflow != "" {
		fields = append(fields, zap.String("workflow", entry.Workflow.String()))
	}
	if entry.AccountType != "" {
		fields = append(fields, zap.String("account_type", entry.AccountType.String()))
	}
	if entry.GenerationID != nil {
		fields = append(fields, zap.String("generation_id", entry.GenerationID.String()))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil || entry.Status == statusError {
		level = zapcore.ErrorLevel
		fields = append(fields, zap.Error(entry.Error))
	}
	if checked := zapLogger.logger.Check(level, "ledger operation"); checked != nil {
		checked.Write(fields...)
	}
}
