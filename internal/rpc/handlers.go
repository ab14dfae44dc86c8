package rpc

import (
	"strings"

	"github.com/Klingon-tech/klingnet-icp/internal/p2p"
	"github.com/Klingon-tech/klingnet-icp/internal/txrelay"
)

func (s *Server) handleConnect(req *Request) (interface{}, *Error) {
	var p HostParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Host) == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "host is required"}
	}

	reply, err := s.relay.Connect(p.Host)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	s.logger.Info().Str("host", p.Host).Str("result", reply).Msg("Admin connect")
	return &ConnectResult{Host: p.Host, Result: reply}, nil
}

func (s *Server) handleDisconnect(req *Request) (interface{}, *Error) {
	var p HostParam
	if err := parseParams(req, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Host) == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "host is required"}
	}

	reply, err := s.relay.Disconnect(p.Host)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	s.logger.Info().Str("host", p.Host).Str("result", reply).Msg("Admin disconnect")
	return &ConnectResult{Host: p.Host, Result: reply}, nil
}

func (s *Server) handleStatus(_ *Request) (interface{}, *Error) {
	st := s.relay.Status()
	return &st, nil
}

func (s *Server) handleConnections(_ *Request) (interface{}, *Error) {
	conns := s.relay.Connections()
	if conns == nil {
		conns = []p2p.ConnInfo{}
	}
	return &ConnectionsResult{Count: len(conns), Connections: conns}, nil
}

func (s *Server) handleTransactions(req *Request) (interface{}, *Error) {
	var p TransactionsParam
	if req.Params != nil {
		if err := parseParams(req, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit < 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "limit must not be negative"}
	}

	records := s.relay.Transactions()
	out := make([]txrelay.Record, 0, len(records))
	for _, rec := range records {
		if p.State != "" && string(rec.State) != p.State {
			continue
		}
		out = append(out, rec)
		if p.Limit > 0 && len(out) == p.Limit {
			break
		}
	}
	return &TransactionsResult{Count: len(out), Transactions: out}, nil
}
