package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/store"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
	"zigbee-zcl/internal/zcl/ota"
)

const (
	maxBodySize  = 1 << 20
	maxImageSize = 16 << 20
)

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps node errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, zcl.StatusNotFound):
		return http.StatusNotFound
	case errors.Is(err, zcl.StatusInvalidValue), errors.Is(err, zcl.StatusInvalidField),
		errors.Is(err, zcl.StatusInvalidImage), errors.Is(err, zcl.StatusInsufficientSpace):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAPINodeInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Info())
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Catalog().All())
}

func (s *Server) handleAPIRegistrations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Stack().Registry().All())
}

func (s *Server) handleAPIGetPolicy(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Stack().Policy().State())
}

func (s *Server) handleAPISetPolicy(w http.ResponseWriter, r *http.Request) {
	var req zcl.PolicyState
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.coord.SetPolicy(req); err != nil {
		s.logger.Warn("set policy", "err", err)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, s.coord.Stack().Policy().State())
}

func (s *Server) handleAPIReadAttributes(w http.ResponseWriter, r *http.Request) {
	var req coordinator.ReadRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.AttrIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "attr_ids must not be empty")
		return
	}
	if len(req.AttrIDs) > 50 {
		s.writeError(w, http.StatusBadRequest, "attr_ids limited to 50")
		return
	}
	dst, err := coordinator.ParseDestination(req.Addr, req.Endpoint)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.coord.ReadAttributes(r.Context(), dst, req.ClusterID, req.AttrIDs)
	if err != nil {
		s.logger.Error("read attributes", "err", err, "addr", req.Addr)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleAPIWriteAttribute(w http.ResponseWriter, r *http.Request) {
	var req coordinator.WriteRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	dst, err := coordinator.ParseDestination(req.Addr, req.Endpoint)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.WriteAttribute(r.Context(), dst, req.ClusterID, req.AttrID, req.DataType, req.Value); err != nil {
		s.logger.Error("write attribute", "err", err, "addr", req.Addr)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CommandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if len(req.Payload) > 128 {
		s.writeError(w, http.StatusBadRequest, "payload limited to 128 bytes")
		return
	}
	dir, err := req.Dir()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dst, err := coordinator.ParseDestination(req.Addr, req.Endpoint)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.SendClusterCommand(r.Context(), dst, req.ClusterID, dir, req.CommandID, req.Payload); err != nil {
		s.logger.Error("send command", "err", err, "addr", req.Addr)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListGPDs(w http.ResponseWriter, r *http.Request) {
	entries := s.coord.GPDs()
	records := make([]store.SinkRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, store.NewSinkRecord(e))
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleAPIRemoveGPD(w http.ResponseWriter, r *http.Request) {
	id, err := greenpower.ParseGPDID(r.PathValue("gpd"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.RemoveGPD(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPICommissioning(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CommissioningRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	enter, err := req.Enter()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if enter {
		err = s.coord.EnterCommissioning(r.Context(), time.Duration(req.Window)*time.Second)
	} else {
		err = s.coord.ExitCommissioning(r.Context())
	}
	if err != nil {
		s.logger.Error("commissioning", "enter", enter, "err", err)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"commissioning": enter})
}

func (s *Server) handleAPIListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.coord.Store().ListImages()
	if err != nil {
		s.logger.Error("list images", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

// handleAPIAddImage takes a raw OTA upgrade file as the request body.
func (s *Server) handleAPIAddImage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageSize))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return
	}
	info, err := s.coord.Store().AddImage(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("ota image added", "key", info.Key, "size", len(data))
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleAPIDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Store().DeleteImage(r.PathValue("key")); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPINotify(w http.ResponseWriter, r *http.Request) {
	var req coordinator.NotifyRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dst, err := req.Destination()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.coord.NotifyImage(r.Context(), dst, ota.NotifyPayloadType(req.PayloadType), req.Jitter); err != nil {
		s.logger.Error("image notify", "err", err)
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.QueryImage(r.Context()); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionView struct {
	ota.Session
	Progress int `json:"progress"`
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.coord.Session()
	if !ok {
		s.writeError(w, http.StatusNotFound, "ota client disabled")
		return
	}
	view := sessionView{Session: sess, Progress: sess.Progress()}
	view.Data = nil
	s.writeJSON(w, http.StatusOK, view)
}
