// Package opc talks to the OPC UA exchange server: the per-Kanal JSON
// variables, the audit trail object and data-change subscriptions on them.
package opc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"go.uber.org/zap"

	"github.com/SUNQC97/Pipeline-Code/internal/params"
)

// ObjectsFolder is the standard Objects node.
const ObjectsFolder = "i=85"

// DataChangeHandler receives value changes of monitored nodes. It is called
// from the subscription goroutine.
type DataChangeHandler interface {
	HandleDataChange(nodeID string, dv *ua.DataValue)
}

// HandlerFunc adapts a function to DataChangeHandler.
type HandlerFunc func(nodeID string, dv *ua.DataValue)

func (f HandlerFunc) HandleDataChange(nodeID string, dv *ua.DataValue) { f(nodeID, dv) }

// NodeRef is one forward hierarchical reference returned by Browse.
type NodeRef struct {
	NodeID    string
	Name      string
	Namespace uint16
	Class     ua.NodeClass
}

type monitored struct {
	handle uint32
	itemID uint32
}

type Client struct {
	mu               sync.RWMutex
	cli              *opcua.Client
	endpoint         string
	logger           *zap.Logger
	interval         time.Duration
	sub              *opcua.Subscription
	dataChangeChan   chan *opcua.PublishNotificationData
	subDone          chan struct{}
	clientHandles    map[uint32]string
	monitoredItems   map[string]monitored
	clientHandleSeed uint32
	handler          DataChangeHandler
}

func NewClient(endpoint string, logger *zap.Logger, opts ...opcua.Option) (*Client, error) {
	cli, err := opcua.NewClient(endpoint, opts...)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cli:            cli,
		endpoint:       endpoint,
		logger:         logger.Named("opcua"),
		interval:       100 * time.Millisecond,
		clientHandles:  make(map[uint32]string),
		monitoredItems: make(map[string]monitored),
	}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

// SetHandler replaces the data-change receiver.
func (c *Client) SetHandler(h DataChangeHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	cli := c.cli
	c.mu.RUnlock()
	if cli == nil {
		return params.Wrap(params.KindConnection, c.endpoint, params.ErrNotConnected)
	}
	return cli.Connect(ctx)
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cli == nil {
		return nil
	}
	c.cancelSubscriptionLocked(ctx)
	err := c.cli.Close(ctx)

	c.cli = nil
	c.clientHandles = make(map[uint32]string)
	c.monitoredItems = make(map[string]monitored)
	c.clientHandleSeed = 0
	return err
}

func (c *Client) cancelSubscriptionLocked(ctx context.Context) {
	if c.sub != nil {
		if err := c.sub.Cancel(ctx); err != nil {
			c.logger.Warn("cancel subscription", zap.Error(err))
		}
	}
	if c.subDone != nil {
		close(c.subDone)
	}
	c.sub = nil
	c.subDone = nil
	c.dataChangeChan = nil
}

func (c *Client) connected() (*opcua.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cli == nil {
		return nil, params.Wrap(params.KindConnection, c.endpoint, params.ErrNotConnected)
	}
	return c.cli, nil
}

// MonitorItem subscribes to value changes of nodeID, creating the shared
// subscription on first use.
func (c *Client) MonitorItem(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cli == nil {
		return params.Wrap(params.KindConnection, c.endpoint, params.ErrNotConnected)
	}
	if _, ok := c.monitoredItems[nodeID]; ok {
		return fmt.Errorf("node %s is already monitored", nodeID)
	}
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("invalid node id: %w", err)
	}

	if c.sub == nil {
		ch := make(chan *opcua.PublishNotificationData, 100)
		sub, err := c.cli.Subscribe(ctx, &opcua.SubscriptionParameters{Interval: c.interval}, ch)
		if err != nil {
			return err
		}
		c.sub = sub
		c.dataChangeChan = ch
		c.subDone = make(chan struct{})
		go c.handleDataChanges(ch, c.subDone)
	}

	handle := atomic.AddUint32(&c.clientHandleSeed, 1)
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(id, ua.AttributeIDValue, handle)
	res, err := c.sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		return err
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
		status := ua.StatusBad
		if len(res.Results) > 0 {
			status = res.Results[0].StatusCode
		}
		return fmt.Errorf("monitor %s: %s", nodeID, status)
	}

	c.clientHandles[handle] = nodeID
	c.monitoredItems[nodeID] = monitored{handle: handle, itemID: res.Results[0].MonitoredItemID}
	return nil
}

// UnmonitorItem removes nodeID; the subscription is cancelled with the last item.
func (c *Client) UnmonitorItem(ctx context.Context, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.monitoredItems[nodeID]
	if !ok {
		return fmt.Errorf("node %s is not monitored", nodeID)
	}
	if c.sub != nil {
		if _, err := c.sub.Unmonitor(ctx, m.itemID); err != nil {
			c.logger.Warn("unmonitor", zap.String("node", nodeID), zap.Error(err))
		}
	}
	delete(c.monitoredItems, nodeID)
	delete(c.clientHandles, m.handle)

	if len(c.monitoredItems) == 0 {
		c.cancelSubscriptionLocked(ctx)
	}
	return nil
}

// Monitored lists the monitored node ids.
func (c *Client) Monitored() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.monitoredItems))
	for id := range c.monitoredItems {
		out = append(out, id)
	}
	return out
}

func (c *Client) WriteValue(ctx context.Context, nodeID string, value any) error {
	cli, err := c.connected()
	if err != nil {
		return err
	}
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return fmt.Errorf("invalid node id: %w", err)
	}
	v, err := ua.NewVariant(value)
	if err != nil {
		return fmt.Errorf("failed to create variant: %w", err)
	}
	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{{
			NodeID:      id,
			AttributeID: ua.AttributeIDValue,
			Value: &ua.DataValue{
				EncodingMask: ua.DataValueValue,
				Value:        v,
			},
		}},
	}
	resp, err := cli.Write(ctx, req)
	if err != nil {
		return err
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("write %s failed with status: %s", nodeID, resp.Results[0])
	}
	return nil
}

func (c *Client) WriteString(ctx context.Context, nodeID, value string) error {
	return c.WriteValue(ctx, nodeID, value)
}

func (c *Client) ReadAttributes(ctx context.Context, nodeID string, attributeIDs ...ua.AttributeID) ([]*ua.DataValue, error) {
	cli, err := c.connected()
	if err != nil {
		return nil, err
	}
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, err
	}
	nodesToRead := make([]*ua.ReadValueID, len(attributeIDs))
	for i, attrID := range attributeIDs {
		nodesToRead[i] = &ua.ReadValueID{NodeID: id, AttributeID: attrID}
	}
	resp, err := cli.Read(ctx, &ua.ReadRequest{NodesToRead: nodesToRead})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// ReadString reads the value attribute of a string variable. A null value
// reads as the empty string.
func (c *Client) ReadString(ctx context.Context, nodeID string) (string, error) {
	res, err := c.ReadAttributes(ctx, nodeID, ua.AttributeIDValue)
	if err != nil {
		return "", err
	}
	if len(res) == 0 {
		return "", fmt.Errorf("read %s: empty response", nodeID)
	}
	if res[0].Status != ua.StatusOK {
		return "", fmt.Errorf("read %s: %s", nodeID, res[0].Status)
	}
	if res[0].Value == nil || res[0].Value.Value() == nil {
		return "", nil
	}
	switch v := res[0].Value.Value().(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (c *Client) Browse(ctx context.Context, nodeID string) ([]NodeRef, error) {
	cli, err := c.connected()
	if err != nil {
		return nil, err
	}
	id, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return nil, fmt.Errorf("invalid node id: %w", err)
	}
	req := &ua.BrowseRequest{
		NodesToBrowse: []*ua.BrowseDescription{{
			NodeID:          id,
			BrowseDirection: ua.BrowseDirectionForward,
			ReferenceTypeID: ua.NewNumericNodeID(0, 33), // HierarchicalReferences
			IncludeSubtypes: true,
			NodeClassMask:   uint32(ua.NodeClassAll),
			ResultMask:      uint32(ua.BrowseResultMaskAll),
		}},
		RequestedMaxReferencesPerNode: 1000,
	}
	resp, err := cli.Browse(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	refs := resp.Results[0].References
	out := make([]NodeRef, 0, len(refs))
	for _, r := range refs {
		if r == nil || r.NodeID == nil || r.NodeID.NodeID == nil || r.BrowseName == nil {
			continue
		}
		out = append(out, NodeRef{
			NodeID:    r.NodeID.NodeID.String(),
			Name:      r.BrowseName.Name,
			Namespace: r.BrowseName.NamespaceIndex,
			Class:     r.NodeClass,
		})
	}
	return out, nil
}

func (c *Client) handleDataChanges(ch <-chan *opcua.PublishNotificationData, done <-chan struct{}) {
	for {
		var ntf *opcua.PublishNotificationData
		select {
		case <-done:
			return
		case ntf = <-ch:
		}
		if ntf == nil {
			continue
		}
		if ntf.Error != nil {
			c.logger.Warn("subscription error", zap.Error(ntf.Error))
			continue
		}
		dcn, ok := ntf.Value.(*ua.DataChangeNotification)
		if !ok || dcn == nil {
			continue
		}
		for _, item := range dcn.MonitoredItems {
			if item == nil || item.Value == nil {
				continue
			}
			c.mu.RLock()
			nodeID, ok := c.clientHandles[item.ClientHandle]
			handler := c.handler
			c.mu.RUnlock()

			if ok && handler != nil {
				handler.HandleDataChange(nodeID, item.Value)
			}
		}
	}
}
