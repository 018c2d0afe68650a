package topics

import (
	"strings"

	"github.com/marcestarlet/embroker/types"
)

type subscribers map[string]types.QosType

type node struct {
	subs     subscribers
	parent   *node
	children map[string]*node
}

func newNode(parent *node) *node {
	return &node{
		subs:     make(subscribers),
		children: make(map[string]*node),
		parent:   parent,
	}
}

func (sn *node) leafInsertNode(levels []string) *node {
	root := sn

	for _, level := range levels {
		// Add node if it doesn't already exist
		n, ok := root.children[level]
		if !ok {
			n = newNode(root)

			root.children[level] = n
		}

		root = n
	}

	return root
}

func (sn *node) leafSearchNode(levels []string) *node {
	root := sn

	// run down and try get path matching given topic
	for _, token := range levels {
		n, ok := root.children[token]
		if !ok {
			return nil
		}

		root = n
	}

	return root
}

// subscriptionInsert returns true if session already had this filter
func (sn *node) subscriptionInsert(levels []string, sessionID string, qos types.QosType) bool {
	root := sn.leafInsertNode(levels)

	_, exists := root.subs[sessionID]
	root.subs[sessionID] = qos

	return exists
}

func (sn *node) subscriptionRemove(levels []string, sessionID string) error {
	root := sn.leafSearchNode(levels)
	if root == nil {
		return types.ErrNotFound
	}

	if _, ok := root.subs[sessionID]; !ok {
		return types.ErrNotFound
	}

	delete(root.subs, sessionID)

	// Run up and on each level and check if level has subscriptions and nested nodes
	// If both are empty tell parent node to remove that token
	level := len(levels)
	for leafNode := root; leafNode.parent != nil; leafNode = leafNode.parent {
		if len(leafNode.subs) == 0 && len(leafNode.children) == 0 {
			delete(leafNode.parent.children, levels[level-1])
		}

		level--
	}

	return nil
}

func (sn *node) getSubscribers(p subscribers) {
	for id, qos := range sn.subs {
		if granted, ok := p[id]; !ok || granted < qos {
			p[id] = qos
		}
	}
}

func subscriptionRecurseSearch(root *node, levels []string, p subscribers) {
	if len(levels) == 0 {
		// leaf level of the topic
		// get all subscribers and return
		root.getSubscribers(p)
		if n, ok := root.children[MWC]; ok {
			n.getSubscribers(p)
		}
	} else {
		if n, ok := root.children[MWC]; ok {
			n.getSubscribers(p)
		}

		if n, ok := root.children[levels[0]]; ok {
			subscriptionRecurseSearch(n, levels[1:], p)
		}

		if n, ok := root.children[SWC]; ok {
			subscriptionRecurseSearch(n, levels[1:], p)
		}
	}
}

func splitLevels(s string) []string {
	return strings.Split(s, SEP)
}
