package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/zap"
)

// BlobWriter 写入 Azure Blob 容器（对外导出）
// 单个 blob 的上传本身是原子的：提交前读者看不到部分内容
type BlobWriter struct {
	client        *azblob.Client
	containerName string
	prefix        string
	logger        *zap.Logger

	once    sync.Once
	initErr error
}

// NewBlobWriter 通过连接字符串创建写入器
func NewBlobWriter(connectionString, containerName, prefix string, logger *zap.Logger) (*BlobWriter, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	params := parseConnectionString(connectionString)
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		// Azurite 等本地模拟器使用HTTP
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &BlobWriter{
		client:        client,
		containerName: containerName,
		prefix:        strings.Trim(prefix, "/"),
		logger:        logger,
	}, nil
}

// Name 写入器名称
func (w *BlobWriter) Name() string {
	return "azblob"
}

// Put 上传到 prefix/dest
func (w *BlobWriter) Put(ctx context.Context, dest string, r io.Reader) (string, error) {
	if err := w.ensureContainer(ctx); err != nil {
		return "", err
	}
	data, err := io.ReadAll(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return "", fmt.Errorf("读取输出失败: %w", err)
	}

	blobPath := path.Join(w.prefix, strings.TrimLeft(path.Clean("/"+dest), "/"))
	blobClient := w.client.ServiceClient().NewContainerClient(w.containerName).NewBlockBlobClient(blobPath)
	_, err = blobClient.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata: map[string]*string{"source": to.Ptr("pipeline-engine")},
	})
	if err != nil {
		w.logger.Error("上传blob失败",
			zap.String("blob_path", blobPath),
			zap.Int("size", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	w.logger.Debug("上传blob成功",
		zap.String("blob_path", blobPath),
		zap.Int("size_bytes", len(data)))
	return blobClient.URL(), nil
}

func (w *BlobWriter) ensureContainer(ctx context.Context) error {
	w.once.Do(func() {
		_, err := w.client.CreateContainer(ctx, w.containerName, nil)
		if err == nil {
			return
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "ContainerAlreadyExists" {
			return
		}
		if strings.Contains(strings.ToLower(err.Error()), "containeralreadyexists") {
			return
		}
		w.initErr = fmt.Errorf("failed to ensure container: %w", err)
	})
	return w.initErr
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}
