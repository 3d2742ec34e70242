package core

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// ResourceConfig 资源配置
type ResourceConfig struct {
	ScratchRoot       string        `json:"scratch_root"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"`
	JobTimeout        time.Duration `json:"job_timeout"`
}

// JobResource 单次分析占用的资源：一个独占的临时目录和一个并发槽位
type JobResource struct {
	ID          string    `json:"id"`
	JobID       string    `json:"job_id"`
	Dir         string    `json:"dir"`
	StartTime   time.Time `json:"start_time"`
	CurrentStep string    `json:"current_step"`

	release func()
}

// Path 返回工作目录下的文件路径
func (j *JobResource) Path(name string) string {
	return filepath.Join(j.Dir, name)
}

// ResourceManager 管理分析任务的临时目录和并发度
type ResourceManager struct {
	config *ResourceConfig
	sem    *semaphore.Weighted

	jobsMu     sync.RWMutex
	activeJobs map[string]*JobResource
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeName 把外部传入的标识转换为可用作文件名的形式
func SafeName(id string) string {
	name := strings.ReplaceAll(unsafeName.ReplaceAllString(id, "_"), "..", "_")
	name = strings.Trim(name, ".")
	if name == "" {
		return "job"
	}
	return name
}

// NewResourceManager 创建资源管理器
func NewResourceManager(cfg ResourceConfig) *ResourceManager {
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = "temp_videos"
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 2
	}
	return &ResourceManager{
		config:     &cfg,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		activeJobs: make(map[string]*JobResource),
	}
}

// AllocateResources 等待并发槽位并创建独占临时目录。
// 返回的 JobResource 必须通过 ReleaseResources 释放。
func (rm *ResourceManager) AllocateResources(ctx context.Context, jobID string) (*JobResource, error) {
	if err := rm.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "wait for analysis slot")
	}

	id := uuid.NewString()
	dir := filepath.Join(rm.config.ScratchRoot, SafeName(jobID)+"-"+id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		rm.sem.Release(1)
		return nil, errors.Wrapf(err, "create scratch dir %s", dir)
	}

	job := &JobResource{
		ID:        id,
		JobID:     jobID,
		Dir:       dir,
		StartTime: time.Now(),
	}
	var once sync.Once
	job.release = func() {
		once.Do(func() {
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("failed to remove scratch dir", "dir", dir, "error", err)
			} else {
				slog.Info("Cleaned up temporary directory", "dir", dir)
			}
			rm.jobsMu.Lock()
			delete(rm.activeJobs, id)
			rm.jobsMu.Unlock()
			rm.sem.Release(1)
		})
	}

	rm.jobsMu.Lock()
	rm.activeJobs[id] = job
	rm.jobsMu.Unlock()
	return job, nil
}

// ReleaseResources 删除临时目录并归还槽位，可重复调用
func (rm *ResourceManager) ReleaseResources(job *JobResource) {
	if job == nil || job.release == nil {
		return
	}
	job.release()
}

// UpdateJobStep 记录任务当前步骤
func (rm *ResourceManager) UpdateJobStep(job *JobResource, step string) {
	rm.jobsMu.Lock()
	defer rm.jobsMu.Unlock()
	job.CurrentStep = step
}

// ActiveJobs 返回正在运行的任务快照
func (rm *ResourceManager) ActiveJobs() []JobResource {
	rm.jobsMu.RLock()
	defer rm.jobsMu.RUnlock()
	jobs := make([]JobResource, 0, len(rm.activeJobs))
	for _, j := range rm.activeJobs {
		jobs = append(jobs, JobResource{
			ID:          j.ID,
			JobID:       j.JobID,
			Dir:         j.Dir,
			StartTime:   j.StartTime,
			CurrentStep: j.CurrentStep,
		})
	}
	return jobs
}

// JobTimeout 单次分析的总超时，0 表示不限制
func (rm *ResourceManager) JobTimeout() time.Duration {
	return rm.config.JobTimeout
}

// Capacity 返回最大并发任务数
func (rm *ResourceManager) Capacity() int {
	return rm.config.MaxConcurrentJobs
}
