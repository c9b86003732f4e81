// Package list implements an intrusive doubly-linked list whose nodes live in
// a caller-owned arena and are referred to by index. The list never allocates
// and never owns the payload of the nodes it threads together.
package list

// Index identifies a node inside an Arena. Index 0 is reserved as the nil
// index so that zero-value Links and Lists are empty.
type Index int32

// Nil is the index used to terminate a list.
const Nil Index = 0

// Link holds the list pointers embedded in each arena node.
type Link struct {
	Prev, Next Index
}

// Arena resolves an index to the Link embedded in the node it refers to.
type Arena interface {
	Link(Index) *Link
}

// List is the header of a list. A node may belong to at most one list at a
// time.
type List struct {
	First, Last Index
}

// Empty returns true if the list contains no nodes.
func (l *List) Empty() bool {
	return l.First == Nil
}

// InsertFirst makes node the head of the list.
func (l *List) InsertFirst(a Arena, node Index) {
	if l.First == Nil {
		l.insertIntoEmpty(a, node)
		return
	}
	l.InsertBefore(a, l.First, node)
}

// InsertLast makes node the tail of the list.
func (l *List) InsertLast(a Arena, node Index) {
	if l.Last == Nil {
		l.insertIntoEmpty(a, node)
		return
	}
	l.InsertAfter(a, l.Last, node)
}

// InsertBefore links node in front of mark, which must already be in l.
func (l *List) InsertBefore(a Arena, mark, node Index) {
	markLink, nodeLink := a.Link(mark), a.Link(node)

	nodeLink.Prev = markLink.Prev
	nodeLink.Next = mark
	if markLink.Prev == Nil {
		l.First = node
	} else {
		a.Link(markLink.Prev).Next = node
	}
	markLink.Prev = node
}

// InsertAfter links node behind mark, which must already be in l.
func (l *List) InsertAfter(a Arena, mark, node Index) {
	markLink, nodeLink := a.Link(mark), a.Link(node)

	nodeLink.Next = markLink.Next
	nodeLink.Prev = mark
	if markLink.Next == Nil {
		l.Last = node
	} else {
		a.Link(markLink.Next).Prev = node
	}
	markLink.Next = node
}

// Remove unlinks node from l and clears its Link.
func (l *List) Remove(a Arena, node Index) {
	link := a.Link(node)

	if link.Prev == Nil {
		l.First = link.Next
	} else {
		a.Link(link.Prev).Next = link.Next
	}

	if link.Next == Nil {
		l.Last = link.Prev
	} else {
		a.Link(link.Next).Prev = link.Prev
	}

	link.Prev, link.Next = Nil, Nil
}

// Len counts the nodes in l.
func (l *List) Len(a Arena) int {
	n := 0
	for cur := l.First; cur != Nil; cur = a.Link(cur).Next {
		n++
	}
	return n
}

// Visit invokes visitor for each node in list order until the visitor returns
// false. The visitor may remove the node it is given from the list.
func (l *List) Visit(a Arena, visitor func(Index) bool) {
	for cur := l.First; cur != Nil; {
		next := a.Link(cur).Next
		if !visitor(cur) {
			return
		}
		cur = next
	}
}

func (l *List) insertIntoEmpty(a Arena, node Index) {
	link := a.Link(node)
	link.Prev, link.Next = Nil, Nil
	l.First, l.Last = node, node
}
