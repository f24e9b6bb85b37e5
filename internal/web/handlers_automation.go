package web

import (
	"errors"
	"io/fs"
	"net/http"
	"slices"

	"zigbee-zcl/internal/automation"
)

var errAutomationDisabled = errors.New("automations not available")

// scriptView is a script plus whether the engine currently runs it.
type scriptView struct {
	*automation.Script
	Running bool `json:"running"`
}

func (s *Server) viewScript(sc *automation.Script, running []string) scriptView {
	return scriptView{Script: sc, Running: slices.Contains(running, sc.ID)}
}

func (s *Server) running() []string {
	if s.autoEngine == nil {
		return nil
	}
	return s.autoEngine.Running()
}

// scriptStatus maps script manager errors to HTTP status codes.
func scriptStatus(err error) int {
	switch {
	case errors.Is(err, automation.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []scriptView{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	running := s.running()
	views := make([]scriptView, 0, len(scripts))
	for _, sc := range scripts {
		views = append(views, s.viewScript(sc, running))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, scriptStatus(err), "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.viewScript(sc, s.running()))
}

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// decodeScript reads and checks a save request. It writes the error
// response itself and returns false on failure.
func (s *Server) decodeScript(w http.ResponseWriter, r *http.Request) (saveAutomationRequest, bool) {
	var req saveAutomationRequest
	if !s.decodeBody(w, r, &req) {
		return req, false
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return req, false
	}
	if err := automation.CheckSyntax(req.LuaCode); err != nil {
		s.writeError(w, http.StatusBadRequest, "lua: "+err.Error())
		return req, false
	}
	return req, true
}

// apply saves sc and brings the engine in line with its enabled flag.
func (s *Server) apply(w http.ResponseWriter, sc *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(sc)
	if err != nil {
		s.logger.Error("save script", "id", sc.ID, "err", err)
		s.writeError(w, scriptStatus(err), err.Error())
		return
	}
	if s.autoEngine != nil {
		if saved.Meta.Enabled {
			if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
				s.logger.Error("reload script", "id", saved.ID, "err", err)
			}
		} else {
			s.autoEngine.StopScript(saved.ID)
		}
	}
	s.writeJSON(w, status, s.viewScript(saved, s.running()))
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusInternalServerError, errAutomationDisabled.Error())
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	s.apply(w, &automation.Script{
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	}, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusInternalServerError, errAutomationDisabled.Error())
		return
	}
	existing, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, scriptStatus(err), "script not found")
		return
	}
	req, ok := s.decodeScript(w, r)
	if !ok {
		return
	}
	existing.Meta = automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled}
	existing.LuaCode = req.LuaCode
	s.apply(w, existing, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusInternalServerError, errAutomationDisabled.Error())
		return
	}
	sc, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, scriptStatus(err), "script not found")
		return
	}
	sc.Meta.Enabled = !sc.Meta.Enabled
	s.apply(w, sc, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusInternalServerError, errAutomationDisabled.Error())
		return
	}
	id := r.PathValue("id")
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	if err := s.scriptMgr.Delete(id); err != nil {
		s.writeError(w, scriptStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunAutomation runs a stored script once, or the posted code when
// the id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusInternalServerError, "automation engine not available")
		return
	}
	id := r.PathValue("id")
	if id != "_inline" {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}
	var req struct {
		LuaCode string `json:"lua_code"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
