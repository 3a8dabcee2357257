package cache

// node is an element of the recency list.
type node[T any] struct {
	data T
	prev *node[T]
	next *node[T]
}

// doublyLinkedList orders cache keys from most (head) to least (tail) recently used.
type doublyLinkedList[T any] struct {
	head *node[T]
	tail *node[T]
	size int
}

func newDoublyLinkedList[T any]() *doublyLinkedList[T] {
	return &doublyLinkedList[T]{}
}

func (dll *doublyLinkedList[T]) count() int {
	return dll.size
}

// addToHead inserts data at the head and returns its node.
func (dll *doublyLinkedList[T]) addToHead(data T) *node[T] {
	n := &node[T]{data: data}
	dll.pushHead(n)
	dll.size++
	return n
}

func (dll *doublyLinkedList[T]) pushHead(n *node[T]) {
	n.prev = nil
	n.next = dll.head
	if dll.head != nil {
		dll.head.prev = n
	} else {
		dll.tail = n
	}
	dll.head = n
}

// moveToHead relinks n at the head without changing the size.
func (dll *doublyLinkedList[T]) moveToHead(n *node[T]) {
	if n == nil || n == dll.head {
		return
	}
	dll.unlink(n)
	dll.pushHead(n)
}

// deleteFromTail removes and returns the tail node's data.
func (dll *doublyLinkedList[T]) deleteFromTail() (T, bool) {
	if dll.tail == nil {
		var zero T
		return zero, false
	}
	n := dll.tail
	dll.unlink(n)
	dll.size--
	return n.data, true
}

// delete removes n from the list.
func (dll *doublyLinkedList[T]) delete(n *node[T]) bool {
	if n == nil {
		return false
	}
	dll.unlink(n)
	dll.size--
	return true
}

func (dll *doublyLinkedList[T]) unlink(n *node[T]) {
	if n == dll.head {
		dll.head = n.next
	}
	if n == dll.tail {
		dll.tail = n.prev
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.prev = nil
	n.next = nil
}
