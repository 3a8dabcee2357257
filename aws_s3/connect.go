package aws_s3

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Config struct {
	// "http://127.0.0.1:9000"
	HostEndpointUrl string `json:"endpoint" yaml:"endpoint"`
	// "us-east-1"
	Region   string `json:"region" yaml:"region"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	// Bucket holds every object of the backend. It must have versioning enabled for
	// ListVersions and GetVersion.
	Bucket string `json:"bucket" yaml:"bucket"`
	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" yaml:"prefix"`
	// UsePathStyle is needed by most S3 compatible servers, e.g. minio.
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
	// MaxWriteSize is the largest object written in one PUT.
	MaxWriteSize int `json:"max_write_size" yaml:"max_write_size"`
}

// Connect to the S3 (or S3 compatible) endpoint.
func Connect(config Config) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		if config.HostEndpointUrl != "" {
			o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		}
		if config.Username != "" {
			o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
		}
		o.UsePathStyle = config.UsePathStyle
	})
	return client
}
