package server

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/rota/backend/internal/attachments"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const uploadFieldName = "files"

func (h *httpHandler) handleUploadFiles(c *gin.Context) {
	id, ok := parseScheduleID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
		return
	}

	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large", "message": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	defer form.RemoveAll()

	headers := form.File[uploadFieldName]
	files := make([]attachments.UploadFile, 0, len(headers))
	for _, header := range headers {
		files = append(files, uploadFileFromHeader(header))
	}

	result, err := h.attachments.Upload(c.Request.Context(), id, files)
	h.metrics.observeOperation("upload", err)
	if err != nil {
		h.respondError(c, err, "File upload failed")
		return
	}

	h.publish(RealtimeEventFilesChanged, id)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"files":    result.Files,
		"uploaded": result.Uploaded,
	})
}

func uploadFileFromHeader(header *multipart.FileHeader) attachments.UploadFile {
	return attachments.UploadFile{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Open: func() (io.ReadCloser, error) {
			return header.Open()
		},
	}
}

func parseFileIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return 0, false
	}
	return index, true
}

// handleDownloadFile streams an attachment. Only failures before the response
// headers are written produce a JSON body; later transfer errors end the
// connection and are logged.
func (h *httpHandler) handleDownloadFile(c *gin.Context) {
	id, ok := parseScheduleID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	index, ok := parseFileIndex(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	download, err := h.attachments.Open(c.Request.Context(), id, index)
	if err != nil {
		h.metrics.observeOperation("download", err)
		h.respondError(c, err, "Download failed")
		return
	}
	defer download.File.Close()

	name := download.Attachment.Name
	c.Header("Content-Disposition", contentDisposition(name))
	if download.Attachment.MimeType != "" {
		c.Header("Content-Type", download.Attachment.MimeType)
	}
	http.ServeContent(c.Writer, c.Request, name, download.Info.ModTime(), download.File)
	h.metrics.observeOperation("download", nil)

	if err := c.Request.Context().Err(); err != nil {
		h.logger.Warn("download interrupted",
			zap.Int64("schedule_id", id),
			zap.String("file_name", name),
			zap.Error(err))
		return
	}
	h.logger.Info("downloaded attachment",
		zap.Int64("schedule_id", id),
		zap.String("file_name", name),
		zap.Int("bytes_written", c.Writer.Size()))
}

// contentDisposition builds an attachment header whose filename survives
// non-ASCII names.
func contentDisposition(name string) string {
	value := mime.FormatMediaType("attachment", map[string]string{"filename": name})
	if value == "" {
		return "attachment"
	}
	return value
}

func (h *httpHandler) handleDeleteFile(c *gin.Context) {
	id, ok := parseScheduleID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	index, ok := parseFileIndex(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}

	remaining, err := h.attachments.Delete(c.Request.Context(), id, index)
	h.metrics.observeOperation("delete", err)
	if err != nil {
		h.respondError(c, err, "File deletion failed")
		return
	}

	h.publish(RealtimeEventFilesChanged, id)
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"message":        "File deleted successfully",
		"remainingFiles": remaining,
	})
}

func (h *httpHandler) handleListFiles(c *gin.Context) {
	id, ok := parseScheduleID(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
		return
	}
	files, err := h.attachments.List(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err, "Failed to get files")
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "count": len(files)})
}

func (h *httpHandler) handleListAllFiles(c *gin.Context) {
	entries, err := h.attachments.ListAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to get all files")
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": entries, "total": len(entries)})
}
