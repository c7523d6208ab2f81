package api

import (
	"fmt"
	"sort"
)

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one submit operation
// per served kind plus the read-only job log endpoints.
func buildOpenAPIDoc(kinds []string) map[string]any {
	paths := map[string]any{}

	sorted := append([]string(nil), kinds...)
	sort.Strings(sorted)
	for _, kind := range sorted {
		paths[fmt.Sprintf("/jobs/%s", kind)] = map[string]any{"post": submitOperation(kind)}
	}

	secured := []any{map[string]any{"BearerAuth": []string{}}}
	paths["/jobs"] = map[string]any{"get": map[string]any{
		"operationId": "listJobs",
		"summary":     "Recent finished jobs, newest first",
		"parameters": []any{
			queryParam("kind"), queryParam("submitter"), queryParam("status"), queryParam("limit"),
		},
		"responses": map[string]any{"200": map[string]any{"description": "Job log rows"}},
		"security":  secured,
	}}
	paths["/jobs/export.xlsx"] = map[string]any{"get": map[string]any{
		"operationId": "exportJobs",
		"summary":     "Job log as a spreadsheet",
		"responses": map[string]any{"200": map[string]any{
			"description": "XLSX workbook",
			"content":     map[string]any{xlsxContentType: map[string]any{}},
		}},
		"security": secured,
	}}
	paths["/job/{jobID}"] = map[string]any{"get": map[string]any{
		"operationId": "getJob",
		"summary":     "One finished job",
		"parameters": []any{map[string]any{
			"name": "jobID", "in": "path", "required": true, "schema": map[string]any{"type": "string"},
		}},
		"responses": map[string]any{
			"200": map[string]any{"description": "Job log row"},
			"404": map[string]any{"description": "Job not found"},
		},
		"security": secured,
	}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "facequeue",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func submitOperation(kind string) map[string]any {
	return map[string]any{
		"operationId": "submit_" + kind,
		"summary":     fmt.Sprintf("Run a %s job and wait for its result", kind),
		"tags":        []string{kind},
		"parameters": []any{map[string]any{
			"name": SubmitterHeader, "in": "header", "required": true, "schema": map[string]any{"type": "string"},
		}},
		"requestBody": map[string]any{
			"required": true,
			"content": map[string]any{
				"application/octet-stream": map[string]any{
					"schema": map[string]any{"type": "string", "format": "binary"},
				},
			},
		},
		"responses": map[string]any{
			"200": map[string]any{"description": "Job finished, see found and outcome"},
			"400": map[string]any{"description": "Bad request"},
			"403": map[string]any{"description": "Insufficient scope"},
			"409": map[string]any{"description": "Submitter already has a pending job of this kind"},
			"413": map[string]any{"description": "Payload too large"},
			"502": map[string]any{"description": "The external program failed"},
			"503": map[string]any{"description": "Shutting down"},
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}

func queryParam(name string) map[string]any {
	return map[string]any{"name": name, "in": "query", "required": false, "schema": map[string]any{"type": "string"}}
}
