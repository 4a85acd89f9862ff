package errors

import "sync"

// Attributes 为错误码提供默认行为。Category 非空时 Classify 直接采用，不再做关键字匹配。
type Attributes struct {
	Message   string
	Severity  Severity
	Category  Category
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registered = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, Category: CategoryUserInput},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeExecutorFailure:       {Message: "executor failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeChainFailure:          {Message: "chain request failed", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Category: CategoryNetwork, Retryable: true, Alert: true},

		CodeInsufficientFunds: {Message: "insufficient funds", Severity: SeverityWarning, Category: CategoryInsufficientFunds},
		CodeNetwork:           {Message: "network failure", Severity: SeverityWarning, Category: CategoryNetwork, Retryable: true, Alert: true},
		CodeUserInput:         {Message: "invalid user input", Severity: SeverityInfo, Category: CategoryUserInput},
		CodeRetryable:         {Message: "transient failure", Severity: SeverityWarning, Category: CategoryRetryable, Retryable: true},
		CodeFatal:             {Message: "unrecoverable failure", Severity: SeverityCritical, Category: CategoryFatal, Alert: true},
	}
)

// Register 供业务包在 init 中登记自己的错误码，重复登记时后者覆盖前者。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registered[code] = attr
	registryMu.Unlock()
}

// AttributesOf 返回错误码的属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registered[code]; ok {
		return attr
	}
	return registered[CodeUnknown]
}
