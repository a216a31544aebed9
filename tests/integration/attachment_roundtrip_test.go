package integration_test

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/database"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/filestore"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/metadata"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/schedules"
	"github.com/MarcoPoloResearchLab/rota/backend/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	jsonContentType = "application/json"
	scheduleDate    = "2026-03-06"
	attachmentName  = "plan.txt"
	attachmentBody  = "standup moves to 10:00"
)

type stack struct {
	server     *httptest.Server
	repository metadata.Repository
	root       string
	auditPath  string
}

func newSQLiteStack(testContext *testing.T, root string) stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	ids := metadata.NewUUIDProvider()

	db, err := database.OpenSQLite(filepath.Join(root, "rota.db"), ids, logger)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	repository, err := metadata.NewSQLiteStore(metadata.SQLiteStoreConfig{Database: db, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build repository: %v", err)
	}

	fileStore, err := filestore.New(filestore.Config{Root: root, Schedules: repository, Logger: logger})
	if err != nil {
		testContext.Fatalf("failed to build file store: %v", err)
	}

	auditPath := filepath.Join(root, "operation.log")
	auditWriter := audit.OpenFile(auditPath, 1)
	auditLogger := audit.NewLogger(audit.LoggerConfig{Writer: auditWriter, Logger: logger})

	attachmentService, err := attachments.NewService(attachments.ServiceConfig{
		Repository: repository,
		Files:      fileStore,
		Recorder:   auditLogger,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build attachments service: %v", err)
	}
	scheduleService, err := schedules.NewService(schedules.ServiceConfig{
		Repository: repository,
		Recorder:   auditLogger,
		IDProvider: ids,
		Logger:     logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build schedules service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Schedules:      scheduleService,
		Attachments:    attachmentService,
		UploadsDir:     fileStore.UploadsDir(),
		MaxUploadBytes: 4 << 20,
		Logger:         logger,
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(func() {
		testServer.Close()
		_ = auditWriter.Close()
		_ = repository.Close()
	})
	return stack{server: testServer, repository: repository, root: root, auditPath: auditPath}
}

func TestAttachmentRoundTripOnSQLite(testContext *testing.T) {
	root := testContext.TempDir()
	current := newSQLiteStack(testContext, root)

	createResp := doRequest(testContext, http.MethodPost, current.server.URL+"/schedule",
		jsonContentType, strings.NewReader(`{"id":7,"week":2,"date":"`+scheduleDate+`","topic":"sync","owner":"ops"}`))
	expectStatus(testContext, createResp, http.StatusCreated)

	uploadBody := &bytes.Buffer{}
	writer := multipart.NewWriter(uploadBody)
	part, err := writer.CreateFormFile("files", attachmentName)
	if err != nil {
		testContext.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte(attachmentBody)); err != nil {
		testContext.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		testContext.Fatalf("failed to close multipart writer: %v", err)
	}
	uploadResp := doRequest(testContext, http.MethodPost, current.server.URL+"/schedule/7/files",
		writer.FormDataContentType(), uploadBody)
	expectStatus(testContext, uploadResp, http.StatusOK)
	var uploadResult struct {
		Success  bool                  `json:"success"`
		Uploaded int                   `json:"uploaded"`
		Files    []metadata.Attachment `json:"files"`
	}
	decodeBody(testContext, uploadResp, &uploadResult)
	if !uploadResult.Success || uploadResult.Uploaded != 1 || len(uploadResult.Files) != 1 {
		testContext.Fatalf("unexpected upload result: %+v", uploadResult)
	}
	if uploadResult.Files[0].RelativePath != "uploads/"+scheduleDate+"/"+attachmentName {
		testContext.Fatalf("unexpected relative path %s", uploadResult.Files[0].RelativePath)
	}
	storedPath := filepath.Join(root, "uploads", scheduleDate, attachmentName)
	if _, err := os.Stat(storedPath); err != nil {
		testContext.Fatalf("expected file on disk at %s: %v", storedPath, err)
	}

	downloadResp := doRequest(testContext, http.MethodGet, current.server.URL+"/schedule/7/files/0", "", nil)
	expectStatus(testContext, downloadResp, http.StatusOK)
	downloaded, err := io.ReadAll(downloadResp.Body)
	_ = downloadResp.Body.Close()
	if err != nil {
		testContext.Fatalf("failed to read download: %v", err)
	}
	if string(downloaded) != attachmentBody {
		testContext.Fatalf("unexpected download body %q", downloaded)
	}

	staticResp := doRequest(testContext, http.MethodGet, current.server.URL+"/uploads/"+scheduleDate+"/"+attachmentName, "", nil)
	expectStatus(testContext, staticResp, http.StatusOK)
	_ = staticResp.Body.Close()

	catalogResp := doRequest(testContext, http.MethodGet, current.server.URL+"/files/all", "", nil)
	expectStatus(testContext, catalogResp, http.StatusOK)
	var catalog struct {
		Total int `json:"total"`
		Files []struct {
			ScheduleID  int64  `json:"scheduleId"`
			DownloadURL string `json:"downloadUrl"`
		} `json:"files"`
	}
	decodeBody(testContext, catalogResp, &catalog)
	if catalog.Total != 1 || catalog.Files[0].ScheduleID != 7 || catalog.Files[0].DownloadURL != "/schedule/7/files/0" {
		testContext.Fatalf("unexpected catalog: %+v", catalog)
	}

	deleteResp := doRequest(testContext, http.MethodDelete, current.server.URL+"/schedule/7/files/0", "", nil)
	expectStatus(testContext, deleteResp, http.StatusOK)
	var deleteResult struct {
		Success        bool `json:"success"`
		RemainingFiles int  `json:"remainingFiles"`
	}
	decodeBody(testContext, deleteResp, &deleteResult)
	if !deleteResult.Success || deleteResult.RemainingFiles != 0 {
		testContext.Fatalf("unexpected delete result: %+v", deleteResult)
	}
	if _, err := os.Stat(storedPath); !os.IsNotExist(err) {
		testContext.Fatalf("expected file to be removed, stat error: %v", err)
	}

	scheduleResp := doRequest(testContext, http.MethodGet, current.server.URL+"/schedule/7", "", nil)
	expectStatus(testContext, scheduleResp, http.StatusOK)
	var schedule map[string]any
	decodeBody(testContext, scheduleResp, &schedule)
	if schedule["owner"] != "ops" {
		testContext.Fatalf("expected unknown fields to survive, got %v", schedule)
	}
	if files, ok := schedule["files"].([]any); !ok || len(files) != 0 {
		testContext.Fatalf("expected empty files, got %v", schedule["files"])
	}

	auditLog, err := os.ReadFile(current.auditPath)
	if err != nil {
		testContext.Fatalf("failed to read audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(auditLog)), "\n")
	if len(lines) != 2 {
		testContext.Fatalf("expected two audit lines, got %d: %q", len(lines), auditLog)
	}
	if !strings.Contains(lines[0], "] upload-files - ") || !strings.Contains(lines[0], `"fileNames":["plan.txt"]`) {
		testContext.Fatalf("unexpected upload audit line %q", lines[0])
	}
	if !strings.Contains(lines[1], "] delete-file - ") || !strings.Contains(lines[1], `"fileName":"plan.txt"`) {
		testContext.Fatalf("unexpected delete audit line %q", lines[1])
	}
}

func doRequest(testContext *testing.T, method, url, contentType string, body io.Reader) *http.Response {
	testContext.Helper()
	request, err := http.NewRequest(method, url, body)
	if err != nil {
		testContext.Fatalf("failed to build %s %s: %v", method, url, err)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("%s %s failed: %v", method, url, err)
	}
	return response
}

func expectStatus(testContext *testing.T, response *http.Response, status int) {
	testContext.Helper()
	if response.StatusCode != status {
		payload, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		testContext.Fatalf("expected status %d, got %d: %s", status, response.StatusCode, payload)
	}
}

func decodeBody(testContext *testing.T, response *http.Response, target any) {
	testContext.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		testContext.Fatalf("failed to decode response: %v", err)
	}
}
