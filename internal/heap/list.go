package heap

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ListID identifies one typed list (a durable doubly-linked list of
// locations with a user-data slot per node, §3.1).
type ListID uint64

type listMeta struct {
	head, tail NodeID
	length     uint64
}

// NodeID identifies one node within a list.
type NodeID uint64

const NoNode NodeID = 0

type listNode struct {
	prev, next NodeID
	data       Location
	userData   []byte
}

func encodeListMeta(m listMeta) []byte {
	b := make([]byte, 24)
	binary.BigEndian.PutUint64(b[0:8], uint64(m.head))
	binary.BigEndian.PutUint64(b[8:16], uint64(m.tail))
	binary.BigEndian.PutUint64(b[16:24], m.length)
	return b
}

func decodeListMeta(b []byte) listMeta {
	return listMeta{
		head:   NodeID(binary.BigEndian.Uint64(b[0:8])),
		tail:   NodeID(binary.BigEndian.Uint64(b[8:16])),
		length: binary.BigEndian.Uint64(b[16:24]),
	}
}

func encodeListNode(n listNode) []byte {
	b := make([]byte, 24+len(n.userData))
	binary.BigEndian.PutUint64(b[0:8], uint64(n.prev))
	binary.BigEndian.PutUint64(b[8:16], uint64(n.next))
	binary.BigEndian.PutUint64(b[16:24], uint64(n.data))
	copy(b[24:], n.userData)
	return b
}

func decodeListNode(b []byte) listNode {
	return listNode{
		prev:     NodeID(binary.BigEndian.Uint64(b[0:8])),
		next:     NodeID(binary.BigEndian.Uint64(b[8:16])),
		data:     Location(binary.BigEndian.Uint64(b[16:24])),
		userData: append([]byte(nil), b[24:]...),
	}
}

func listKey(id ListID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func nodeKey(list ListID, node NodeID) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], uint64(list))
	binary.BigEndian.PutUint64(b[8:16], uint64(node))
	return b
}

// ListCreate creates a new empty typed list and returns its id.
func (t *Txn) ListCreate() (ListID, error) {
	meta := t.tx.Bucket(bucketMeta)
	idBytes := meta.Get(keyNextListID)
	var next uint64 = 1
	if idBytes != nil {
		next = binary.BigEndian.Uint64(idBytes) + 1
	}
	id := ListID(next)
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, next)
	if err := meta.Put(keyNextListID, nb); err != nil {
		return 0, err
	}
	lists := t.tx.Bucket(bucketLists)
	if err := lists.Put(listKey(id), encodeListMeta(listMeta{})); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Txn) getListMeta(id ListID) (listMeta, error) {
	v := t.tx.Bucket(bucketLists).Get(listKey(id))
	if v == nil {
		return listMeta{}, ErrNotFound
	}
	return decodeListMeta(v), nil
}

func (t *Txn) putListMeta(id ListID, m listMeta) error {
	return t.tx.Bucket(bucketLists).Put(listKey(id), encodeListMeta(m))
}

func (t *Txn) nextNodeID() (NodeID, error) {
	meta := t.tx.Bucket(bucketMeta)
	v := meta.Get(keyNextNodeID)
	var next uint64 = 1
	if v != nil {
		next = binary.BigEndian.Uint64(v) + 1
	}
	nb := make([]byte, 8)
	binary.BigEndian.PutUint64(nb, next)
	if err := meta.Put(keyNextNodeID, nb); err != nil {
		return 0, err
	}
	return NodeID(next), nil
}

func (t *Txn) getNode(list ListID, node NodeID) (listNode, error) {
	v := t.tx.Bucket(bucketNodes).Get(nodeKey(list, node))
	if v == nil {
		return listNode{}, ErrNotFound
	}
	return decodeListNode(v), nil
}

func (t *Txn) putNode(list ListID, node NodeID, n listNode) error {
	return t.tx.Bucket(bucketNodes).Put(nodeKey(list, node), encodeListNode(n))
}

// ListInsertLast appends a node referencing data, with the given user-data
// payload, and returns the new node id.
func (t *Txn) ListInsertLast(list ListID, data Location, userData []byte) (NodeID, error) {
	meta, err := t.getListMeta(list)
	if err != nil {
		return 0, err
	}
	id, err := t.nextNodeID()
	if err != nil {
		return 0, err
	}
	node := listNode{prev: meta.tail, next: NoNode, data: data, userData: userData}
	if err := t.putNode(list, id, node); err != nil {
		return 0, err
	}
	if meta.tail != NoNode {
		tail, err := t.getNode(list, meta.tail)
		if err != nil {
			return 0, err
		}
		tail.next = id
		if err := t.putNode(list, meta.tail, tail); err != nil {
			return 0, err
		}
	} else {
		meta.head = id
	}
	meta.tail = id
	meta.length++
	return id, t.putListMeta(list, meta)
}

// ListInsertBefore inserts a new node referencing data immediately before
// the given node.
func (t *Txn) ListInsertBefore(list ListID, before NodeID, data Location, userData []byte) (NodeID, error) {
	meta, err := t.getListMeta(list)
	if err != nil {
		return 0, err
	}
	beforeNode, err := t.getNode(list, before)
	if err != nil {
		return 0, err
	}
	id, err := t.nextNodeID()
	if err != nil {
		return 0, err
	}
	newNode := listNode{prev: beforeNode.prev, next: before, data: data, userData: userData}
	if err := t.putNode(list, id, newNode); err != nil {
		return 0, err
	}
	beforeNode.prev = id
	if err := t.putNode(list, before, beforeNode); err != nil {
		return 0, err
	}
	if newNode.prev == NoNode {
		meta.head = id
	} else {
		prevNode, err := t.getNode(list, newNode.prev)
		if err != nil {
			return 0, err
		}
		prevNode.next = id
		if err := t.putNode(list, newNode.prev, prevNode); err != nil {
			return 0, err
		}
	}
	meta.length++
	return id, t.putListMeta(list, meta)
}

// ListDelete removes a node from its list, freeing its storage.
func (t *Txn) ListDelete(list ListID, node NodeID) error {
	meta, err := t.getListMeta(list)
	if err != nil {
		return err
	}
	n, err := t.getNode(list, node)
	if err != nil {
		return err
	}
	if n.prev != NoNode {
		prev, err := t.getNode(list, n.prev)
		if err != nil {
			return err
		}
		prev.next = n.next
		if err := t.putNode(list, n.prev, prev); err != nil {
			return err
		}
	} else {
		meta.head = n.next
	}
	if n.next != NoNode {
		next, err := t.getNode(list, n.next)
		if err != nil {
			return err
		}
		next.prev = n.prev
		if err := t.putNode(list, n.next, next); err != nil {
			return err
		}
	} else {
		meta.tail = n.prev
	}
	meta.length--
	if err := t.tx.Bucket(bucketNodes).Delete(nodeKey(list, node)); err != nil {
		return err
	}
	return t.putListMeta(list, meta)
}

// ListFirst returns the first node id of list, or NoNode if empty.
func (t *Txn) ListFirst(list ListID) (NodeID, error) {
	meta, err := t.getListMeta(list)
	if err != nil {
		return NoNode, err
	}
	return meta.head, nil
}

// ListNext returns the node following node in list, or NoNode at the tail.
func (t *Txn) ListNext(list ListID, node NodeID) (NodeID, error) {
	n, err := t.getNode(list, node)
	if err != nil {
		return NoNode, err
	}
	return n.next, nil
}

// ListData returns the data location stored at node.
func (t *Txn) ListData(list ListID, node NodeID) (Location, error) {
	n, err := t.getNode(list, node)
	if err != nil {
		return Null, err
	}
	return n.data, nil
}

// ListUserData returns the user-data slot stored at node.
func (t *Txn) ListUserData(list ListID, node NodeID) ([]byte, error) {
	n, err := t.getNode(list, node)
	if err != nil {
		return nil, err
	}
	return n.userData, nil
}

// ListLength returns the number of nodes currently in list.
func (t *Txn) ListLength(list ListID) (int, error) {
	meta, err := t.getListMeta(list)
	if err != nil {
		return 0, err
	}
	return int(meta.length), nil
}

var errListEmpty = errors.New("heap: list is empty")
