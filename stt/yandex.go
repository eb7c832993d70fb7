package stt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	speechkit "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
)

const DefaultEndpoint = "stt.api.cloud.yandex.net:443"

// Yandex transcribes recordings with SpeechKit streaming recognition.
type Yandex struct {
	client speechkit.RecognizerClient
	conn   *grpc.ClientConn
	cfg    YandexConfig
	logger *slog.Logger
}

type YandexConfig struct {
	IamToken string
	FolderID string
	Language string
	Endpoint string
	// ChunkSize is the number of PCM bytes per streamed chunk.
	ChunkSize int
}

func NewYandex(config YandexConfig, logger *slog.Logger) (*Yandex, error) {
	if config.IamToken == "" || config.FolderID == "" {
		return nil, errors.New("iam token and folder id are required")
	}
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := grpc.NewClient(config.Endpoint, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Yandex STT: %w", err)
	}

	return &Yandex{
		client: speechkit.NewRecognizerClient(conn),
		conn:   conn,
		cfg:    config,
		logger: logger.With(slog.String("component", "stt")),
	}, nil
}

func (y *Yandex) Close() error {
	return y.conn.Close()
}

func (y *Yandex) Transcribe(ctx context.Context, path string) (string, error) {
	pcm, sampleRate, err := ReadPCM(path)
	if err != nil {
		return "", err
	}

	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(
		"authorization", "Bearer "+y.cfg.IamToken,
		"x-folder-id", y.cfg.FolderID,
	))

	stream, err := y.client.RecognizeStreaming(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create streaming client: %w", err)
	}

	if err := stream.Send(y.sessionOptions(int64(sampleRate))); err != nil {
		return "", fmt.Errorf("failed to send session options: %w", err)
	}

	var parts []string
	g := new(errgroup.Group)

	g.Go(func() error {
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to receive response: %w", err)
			}
			if final := resp.GetFinal(); final != nil {
				alts := final.GetAlternatives()
				if len(alts) > 0 && alts[0].GetText() != "" {
					parts = append(parts, alts[0].GetText())
				}
			}
		}
	})

	g.Go(func() error {
		defer stream.CloseSend()
		for off := 0; off < len(pcm); off += y.cfg.ChunkSize {
			end := min(off+y.cfg.ChunkSize, len(pcm))
			req := &speechkit.StreamingRequest{
				Event: &speechkit.StreamingRequest_Chunk{
					Chunk: &speechkit.AudioChunk{Data: pcm[off:end]},
				},
			}
			if err := stream.Send(req); err != nil {
				return fmt.Errorf("failed to send audio chunk: %w", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return "", err
	}

	text := strings.Join(parts, " ")
	y.logger.Debug("recognized", slog.String("path", path), slog.Int("finals", len(parts)))
	return text, nil
}

func (y *Yandex) sessionOptions(sampleRate int64) *speechkit.StreamingRequest {
	return &speechkit.StreamingRequest{
		Event: &speechkit.StreamingRequest_SessionOptions{
			SessionOptions: &speechkit.StreamingOptions{
				RecognitionModel: &speechkit.RecognitionModelOptions{
					AudioFormat: &speechkit.AudioFormatOptions{
						AudioFormat: &speechkit.AudioFormatOptions_RawAudio{
							RawAudio: &speechkit.RawAudio{
								AudioEncoding:     speechkit.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   sampleRate,
								AudioChannelCount: 1,
							},
						},
					},
					TextNormalization: &speechkit.TextNormalizationOptions{
						TextNormalization: speechkit.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
					},
					LanguageRestriction: &speechkit.LanguageRestrictionOptions{
						RestrictionType: speechkit.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{y.cfg.Language},
					},
					AudioProcessingType: speechkit.RecognitionModelOptions_FULL_DATA,
				},
			},
		},
	}
}
