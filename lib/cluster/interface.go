package cluster

import (
	"github.com/ValentinKolb/dGC/lib/msg"
)

// NodeChangeListener is notified of cluster membership changes.
// Callbacks run on the goroutine that drives the membership change.
type NodeChangeListener interface {
	// NodeAdded is called when a (master) node joins the cluster.
	NodeAdded(node msg.NodeID)
	// NodeRemoved is called when a node leaves the cluster with no slave
	// to take over.
	NodeRemoved(node msg.NodeID)
	// NodeSwitched is called when a node's slave has taken over as the
	// new master under the same node id.
	NodeSwitched(node msg.NodeID)
}

// Cluster is the membership view of one process.
type Cluster interface {
	// MyNodeID returns the id of the local node.
	MyNodeID() msg.NodeID
	// IsMaster reports whether the local node currently has the master role.
	IsMaster() bool
	// HasServer reports whether the cluster has a directory (server) node.
	HasServer() bool
	// GetMaster returns the master currently serving the given node id and
	// whether that node is a cluster member at all.
	GetMaster(node msg.NodeID) (msg.NodeID, bool)
	// AddNodeChangeListener registers l for membership notifications.
	AddNodeChangeListener(l NodeChangeListener)
}
