package models

import "github.com/pkg/errors"

var (
	// ErrConfiguration: неизвестный перевозчик или битая конфигурация; падает вся пачка.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransientFetch: таймаут, 5xx, битый ответ; повтор в следующем цикле.
	ErrTransientFetch = errors.New("transient fetch error")
	// ErrData: нет номера, неизвестный статус; событие просто пропускается.
	ErrData = errors.New("data error")
	// ErrMergeConflict: не удалось взять блокировку записи после ретраев.
	ErrMergeConflict = errors.New("merge conflict")
	ErrPush          = errors.New("push error")
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
)
