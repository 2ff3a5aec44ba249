package sqlite

import "fmt"

// PersistenceError — отказ хранилища после исчерпания бюджета повторов
// (или при разомкнутом предохранителе). Для пайплайна это сигнал «строку
// не записать», но не повод останавливать наблюдение.
type PersistenceError struct {
	Op    string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit store %s failed: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
