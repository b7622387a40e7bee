package lru

import (
	"time"

	"github.com/rselbach/shared"
)

// entry is an intrusive doubly-linked list node. It owns one strong reference
// to its value.
type entry[K comparable, V any] struct {
	key    K
	val    *shared.Handle[V]
	expiry time.Time // zero for caches without TTL
	prev   *entry[K, V]
	next   *entry[K, V]
}

// list orders entries from most recently used (head) to least (tail).
type list[K comparable, V any] struct {
	head *entry[K, V]
	tail *entry[K, V]
}

func (l *list[K, V]) moveToFront(e *entry[K, V]) {
	if l.head == e {
		return
	}
	l.remove(e)
	l.pushFront(e)
}

func (l *list[K, V]) pushFront(e *entry[K, V]) {
	e.prev = nil
	e.next = l.head
	if l.head != nil {
		l.head.prev = e
	}
	l.head = e
	if l.tail == nil {
		l.tail = e
	}
}

func (l *list[K, V]) remove(e *entry[K, V]) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (l *list[K, V]) reset() {
	l.head = nil
	l.tail = nil
}
