// Package storage описывает общие ошибки хранилищ учётных записей и заказов.
// Реализации лежат в подпакетах repository (PostgreSQL) и inmemory.
package storage

import "errors"

var (
	// ErrAccountNotFound учётная запись пользователя не найдена.
	ErrAccountNotFound = errors.New("account not found")
	// ErrOrderNotFound платёжный заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
)
