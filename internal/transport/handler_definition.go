package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/accessworks/adaptflow/internal/definition"
	"github.com/accessworks/adaptflow/internal/engine"
	"github.com/accessworks/adaptflow/model"
)

// maxDefinitionBody bounds definition create/import payloads.
const maxDefinitionBody = 4 << 20

func handleDefinitionSave(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var def model.WorkflowDefinition
		if err := json.NewDecoder(io.LimitReader(r.Body, maxDefinitionBody)).Decode(&def); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		// A path ID wins over whatever the body carries.
		if id := chi.URLParam(r, "definitionId"); id != "" {
			def.ID = id
		}

		saved, err := eng.SaveDefinition(r.Context(), def)
		if err != nil {
			WriteError(w, err)
			return
		}

		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusCreated
		}
		WriteJSON(w, status, saved)
	}
}

func handleDefinitionGet(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")
		version := r.URL.Query().Get("version")

		def, err := eng.GetDefinition(r.Context(), id, version)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionList(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := definition.Filters{
			Status:     r.URL.Query().Get("status"),
			ClientType: r.URL.Query().Get("client_type"),
			Limit:      queryInt(r, "limit", 50),
			Offset:     queryInt(r, "offset", 0),
		}

		defs, err := eng.ListDefinitions(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   defs,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleDefinitionPublish(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")
		version := r.URL.Query().Get("version")

		def, err := eng.PublishDefinition(r.Context(), id, version)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

func handleDefinitionArchive(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")

		if err := eng.ArchiveDefinition(r.Context(), id); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "archived"})
	}
}

func handleDefinitionExport(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "definitionId")
		version := r.URL.Query().Get("version")

		data, err := eng.ExportDefinition(r.Context(), id, version)
		if err != nil {
			WriteError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.json"`)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func handleDefinitionImport(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBody))
		if err != nil {
			WriteError(w, model.NewBadRequestError("reading request body: "+err.Error()))
			return
		}

		def, err := eng.ImportDefinition(r.Context(), data)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, def)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
