package domain

// StrategyKey selects the store layout for one registration attempt. It is
// chosen once per attempt and never changes afterwards.
type StrategyKey string

// Storage strategy keys.
const (
	StrategyIdentified   StrategyKey = "IDENTIFIED"
	StrategyUnidentified StrategyKey = "UNIDENTIFIED"
	StrategyInvalid      StrategyKey = "INVALID"
	StrategyError        StrategyKey = "ERROR"
)

// StrategyKeys lists every key in canonical order.
func StrategyKeys() []StrategyKey {
	return []StrategyKey{StrategyIdentified, StrategyUnidentified, StrategyInvalid, StrategyError}
}

// Registrable reports whether datasets filed under the key are registered
// with the application server.
func (k StrategyKey) Registrable() bool { return k == StrategyIdentified }

func (k StrategyKey) String() string { return string(k) }
