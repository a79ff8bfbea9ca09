// Package list implements an intrusive circular doubly-linked list.
//
// A Node is written in place at the start of a free memory block, so
// the list costs no separate storage: the free block itself is the
// node. Callers pass unsafe.Pointer values pointing at block starts;
// Init turns such a pointer into a self-looped sentinel.
package list

import "unsafe"

// Node is the two-pointer cell written at the head of a free block.
type Node struct {
	next unsafe.Pointer
	prev unsafe.Pointer
}

func at(p unsafe.Pointer) *Node {
	return (*Node)(p)
}

// Init turns p into a sentinel: an empty circular list of one node
// pointing to itself.
func Init(p unsafe.Pointer) {
	n := at(p)
	n.next = p
	n.prev = p
}

// Empty reports whether the list headed by sentinel head has no
// elements.
func Empty(head unsafe.Pointer) bool {
	return at(head).next == head
}

// Push inserts p immediately after head (LIFO order).
func Push(head, p unsafe.Pointer) {
	n := at(p)
	h := at(head)
	n.next = h.next
	n.prev = head
	at(h.next).prev = p
	h.next = p
}

// Remove detaches p from whatever list it is currently linked into.
// p must not be a sentinel that is still in use.
func Remove(p unsafe.Pointer) {
	n := at(p)
	at(n.prev).next = n.next
	at(n.next).prev = n.prev
}

// Pop removes and returns the node immediately after head. The list
// must not be empty.
func Pop(head unsafe.Pointer) unsafe.Pointer {
	h := at(head)
	p := h.next
	Remove(p)
	return p
}

// Len counts the elements in the list headed by sentinel head. Used
// by callers that report free-list occupancy; not on any allocation
// hot path.
func Len(head unsafe.Pointer) int {
	n := 0
	for p := at(head).next; p != head; p = at(p).next {
		n++
	}
	return n
}

// Size is the number of bytes a Node occupies in memory: two machine
// pointers. Callers carving a sentinel out of raw bytes use this to
// size the reservation.
const Size = unsafe.Sizeof(Node{})
