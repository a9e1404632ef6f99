package websocket

import (
	"context"
	"encoding/json"

	"collab-relay/core"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	TypeNodePosition   = "node_position"
	TypeNodePositions  = "node_positions"
	TypeSaveNodeDetail = "save_node_detail"
	TypeDeleteNode     = "delete_node"
	TypeDeleteCand     = "delete_candidate"

	TypeNodeDetail   = "node_detail"
	TypeDeleteResult = "delete_result"
)

type frameKind int

const (
	frameCRDT frameKind = iota
	// frameJSON is valid JSON that is not a control message the relay handles.
	frameJSON
	frameControl
)

var controlTypes = map[string]bool{
	TypeNodePosition:   true,
	TypeNodePositions:  true,
	TypeSaveNodeDetail: true,
	TypeDeleteNode:     true,
	TypeDeleteCand:     true,
}

type (
	nodeDetailReply struct {
		Type    string                `json:"type"`
		NodeID  string                `json:"nodeId"`
		Found   bool                  `json:"found"`
		Value   json.RawMessage       `json:"value,omitempty"`
		Pending *core.PendingPosition `json:"pending,omitempty"`
	}

	deleteReply struct {
		Type    string `json:"type"`
		Kind    string `json:"kind"`
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
)

// parseControl tries a structured decode first; anything that is not JSON is a
// CRDT frame to relay as is.
func parseControl(data []byte) (*core.ControlMessage, frameKind) {
	if !gjson.ValidBytes(data) {
		return nil, frameCRDT
	}

	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || !controlTypes[typ.Str] {
		return nil, frameJSON
	}

	var msg core.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// recognized type with a malformed body
		return &core.ControlMessage{Type: typ.Str}, frameControl
	}
	return &msg, frameControl
}

func (s *Server) handleControl(p Peer, roomID string, doc core.Document, msg *core.ControlMessage) {
	log := logrus.WithFields(logrus.Fields{
		"room_id": roomID,
		"conn_id": p.ID(),
		"type":    msg.Type,
	})

	switch msg.Type {
	case TypeNodePosition:
		if msg.NodeID == "" || msg.Position == nil {
			s.drop(log, "node_position without nodeId or position")
			return
		}
		s.recordPositions(roomID, []core.PendingPosition{{
			NodeID:    msg.NodeID,
			Position:  *msg.Position,
			RequestID: msg.RequestID,
		}})

	case TypeNodePositions:
		entries := make([]core.PendingPosition, 0, len(msg.Nodes))
		for _, n := range msg.Nodes {
			if n.NodeID == "" || n.Position == nil {
				log.Debug("skipping incomplete position entry")
				continue
			}
			entries = append(entries, core.PendingPosition{
				NodeID:    n.NodeID,
				Position:  *n.Position,
				RequestID: n.RequestID,
			})
		}
		if len(entries) == 0 {
			s.drop(log, "node_positions without usable entries")
			return
		}
		s.recordPositions(roomID, entries)

	case TypeSaveNodeDetail:
		if msg.NodeID == "" {
			s.drop(log, "save_node_detail without nodeId")
			return
		}
		s.replyNodeDetail(p, roomID, doc, msg.NodeID, log)

	case TypeDeleteNode, TypeDeleteCand:
		id := msg.ID
		if id == "" {
			id = msg.NodeID
		}
		if id == "" {
			s.drop(log, "delete without id")
			return
		}
		go s.forwardDelete(p, msg.Type, id, log)
	}
}

func (s *Server) drop(log *logrus.Entry, reason string) {
	s.metrics.Frame("dropped")
	log.Warn("dropping malformed control message: " + reason)
}

func (s *Server) recordPositions(roomID string, entries []core.PendingPosition) {
	for _, e := range entries {
		s.pending.Record(roomID, e)
	}
	s.scheduler.Schedule(roomID)
	logrus.WithFields(logrus.Fields{
		"room_id":   roomID,
		"positions": len(entries),
	}).Debug("positions recorded")
}

func (s *Server) replyNodeDetail(p Peer, roomID string, doc core.Document, nodeID string, log *logrus.Entry) {
	reply := nodeDetailReply{Type: TypeNodeDetail, NodeID: nodeID}
	if value, ok := doc.Lookup(nodeID); ok {
		reply.Found = true
		reply.Value = value
	}
	if pending, ok := s.pending.Get(roomID, nodeID); ok {
		reply.Pending = &pending
	}

	log.WithFields(logrus.Fields{
		"node_id": nodeID,
		"found":   reply.Found,
		"pending": reply.Pending != nil,
	}).Info("node detail requested")

	s.reply(p, reply, log)
}

func (s *Server) forwardDelete(p Peer, kind, id string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.deleteTimeout)
	defer cancel()

	var ok bool
	if kind == TypeDeleteNode {
		ok = s.deleter.DeleteNode(ctx, id)
	} else {
		ok = s.deleter.DeleteCandidate(ctx, id)
	}

	log.WithFields(logrus.Fields{"id": id, "success": ok}).Info("delete forwarded")
	s.reply(p, deleteReply{Type: TypeDeleteResult, Kind: kind, ID: id, Success: ok}, log)
}

func (s *Server) reply(p Peer, v any, log *logrus.Entry) {
	data, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).Error("failed to encode reply")
		return
	}
	if err := p.Send(Frame{Type: websocket.TextMessage, Data: data}); err != nil {
		log.WithError(err).Debug("reply not delivered")
	}
}
