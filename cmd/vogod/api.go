package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/Morg42/viessmann/internal/config"
	"github.com/Morg42/viessmann/pkg/optolink"
	"github.com/Morg42/viessmann/pkg/vogo"
)

// api serves reads, writes and schedules of one engine over HTTP
type api struct {
	engine    *vogo.Engine
	cache     *vogo.ValueCache
	stream    http.Handler
	followUps map[string]config.FollowUp
}

func (a *api) router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/version", versionInfo).Methods("GET")
	router.HandleFunc("/device", a.getDevice).Methods("GET")
	router.HandleFunc("/commands", a.getCommands).Methods("GET")
	router.HandleFunc("/command/{name}", a.getCommand).Methods("GET")
	router.HandleFunc("/command/{name}", a.setCommand).Methods("POST")
	router.HandleFunc("/values", a.getValues).Methods("GET")
	router.HandleFunc("/update", a.update).Methods("POST")
	router.HandleFunc("/schedule/{app}", a.getSchedule).Methods("GET")
	router.HandleFunc("/schedule/{app}", a.setSchedule).Methods("POST")
	if a.stream != nil {
		router.Handle("/stream", a.stream)
	}
	return router
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	e.Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, vogo.ErrUnknownCommand):
		status = http.StatusNotFound
	case errors.Is(err, vogo.ErrValue), errors.Is(err, vogo.ErrNotWritable):
		status = http.StatusBadRequest
	case errors.Is(err, vogo.ErrTimersNotRead):
		status = http.StatusConflict
	case errors.Is(err, optolink.ErrConnection), errors.Is(err, optolink.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}

func versionInfo(w http.ResponseWriter, r *http.Request) {
	v := struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{Version: buildVersion, BuildDate: buildDate}
	j, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write(j)
}

func (a *api) getDevice(w http.ResponseWriter, r *http.Request) {
	ds := a.engine.Device()
	writeJSON(w, http.StatusOK, struct {
		Protocol optolink.Protocol    `json:"protocol"`
		Type     string               `json:"type"`
		Control  *optolink.ControlSet `json:"control"`
		Timers   []string             `json:"timers"`
	}{ds.Protocol, ds.Type, ds.Control, a.engine.Timers().Apps()})
}

func (a *api) getCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.engine.Device().Commands())
}

// commandValue is a command together with its current value
type commandValue struct {
	*vogo.CommandDefinition
	Value any `json:"value"`
}

func (a *api) getCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	c, err := a.engine.Device().Command(name)
	if err != nil {
		writeError(w, err)
		return
	}

	// ?cached=1 answers from the last read without touching the device
	if cached, _ := strconv.ParseBool(r.URL.Query().Get("cached")); cached && a.cache != nil {
		if v, ok := a.cache.Get(name); ok {
			writeJSON(w, http.StatusOK, commandValue{c, v.Value})
			return
		}
	}

	v, err := a.engine.Read(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, commandValue{c, v})
}

func (a *api) setCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var val any
	if err := json.NewDecoder(r.Body).Decode(&val); err != nil {
		writeError(w, fmt.Errorf("%w: %v", vogo.ErrValue, err))
		return
	}

	var err error
	if f, ok := a.followUps[name]; ok {
		err = a.engine.WriteWithFollowUp(r.Context(), name, val, vogo.FollowUp{
			ReadBack:     f.ReadBack,
			ReadAfter:    f.ReadAfter,
			Triggers:     f.Triggers,
			TriggerDelay: f.TriggerDelay,
		})
	} else {
		err = a.engine.Write(r.Context(), name, val)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func (a *api) getValues(w http.ResponseWriter, r *http.Request) {
	if a.cache == nil {
		writeJSON(w, http.StatusOK, map[string]vogo.Value{})
		return
	}
	writeJSON(w, http.StatusOK, a.cache.Snapshot())
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.ReadAll(r.Context()); err != nil {
		log.Warnf("Update all: %v", err)
		writeError(w, err)
		return
	}
	a.getValues(w, r)
}

func (a *api) getSchedule(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	if !contains(a.engine.Timers().Apps(), app) {
		writeError(w, fmt.Errorf("%w: timer application %v", vogo.ErrUnknownCommand, app))
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Timers().Schedule(app))
}

func (a *api) setSchedule(w http.ResponseWriter, r *http.Request) {
	app := mux.Vars(r)["app"]
	var entries []vogo.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entries); err != nil {
		writeError(w, fmt.Errorf("%w: %v", vogo.ErrValue, err))
		return
	}
	if err := a.engine.Timers().Apply(r.Context(), app, entries); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("\"OK\"\n"))
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
