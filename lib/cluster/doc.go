// Package cluster abstracts the membership view the coherence engine
// needs: its own id and role, whether a directory (server) node exists,
// master lookup for peers, and change notifications when nodes join,
// fail, or switch to their slaves.
//
// The Static implementation keeps the member list in memory and is used
// by single-process deployments and the test harness; membership changes
// are driven explicitly through RemoveNode / SwitchNode.
package cluster
