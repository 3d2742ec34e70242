package core

// ========== 分析请求与结果 ==========

// AnalysisRequest 视频分析请求
type AnalysisRequest struct {
	VideoURL string `json:"video_url"`
	VideoID  string `json:"video_id"`
	// IndexTranscript 分析完成后把转录文本写入向量库
	IndexTranscript bool   `json:"index_transcript,omitempty"`
	CallbackURL     string `json:"callback_url,omitempty"`
}

// SceneCut 单个场景的起止时间，均为 HH:MM:SS.mmm 文本
type SceneCut struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	Duration  string `json:"duration"`
}

// AnalysisResult 视频分析结果
type AnalysisResult struct {
	VideoID    string     `json:"video_id"`
	SceneCuts  []SceneCut `json:"scene_cuts"`
	Transcript string     `json:"transcript"`
	OCRText    string     `json:"ocr_text"`
	Message    string     `json:"message"`
}

// ========== 向量相关结构体 ==========

// EmbeddingRequest is shared by /generate_embeddings and /store_embeddings.
type EmbeddingRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
	ID       string         `json:"id"`
}

type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

type StoreResponse struct {
	Message string `json:"message"`
	ID      string `json:"id"`
}

// EmbeddingRecord 写入向量库的一条记录
type EmbeddingRecord struct {
	ID       string
	Document string
	Metadata map[string]any
	Vector   []float32
}

type QueryRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
}

// QueryResult 向量库查询结果，每个查询向量对应一组候选
type QueryResult struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float32        `json:"distances"`
}

// Hit 单个候选
type Hit struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float32
}

// NewQueryResult 把若干组候选组装成 QueryResult；空组保留为空列表而不是 null
func NewQueryResult(groups ...[]Hit) QueryResult {
	res := QueryResult{
		IDs:       make([][]string, 0, len(groups)),
		Documents: make([][]string, 0, len(groups)),
		Metadatas: make([][]map[string]any, 0, len(groups)),
		Distances: make([][]float32, 0, len(groups)),
	}
	for _, hits := range groups {
		ids := make([]string, 0, len(hits))
		docs := make([]string, 0, len(hits))
		metas := make([]map[string]any, 0, len(hits))
		dists := make([]float32, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, h.ID)
			docs = append(docs, h.Document)
			meta := h.Metadata
			if meta == nil {
				meta = map[string]any{}
			}
			metas = append(metas, meta)
			dists = append(dists, h.Distance)
		}
		res.IDs = append(res.IDs, ids)
		res.Documents = append(res.Documents, docs)
		res.Metadatas = append(res.Metadatas, metas)
		res.Distances = append(res.Distances, dists)
	}
	return res
}

// Len returns the number of candidates across all groups.
func (r QueryResult) Len() int {
	n := 0
	for _, ids := range r.IDs {
		n += len(ids)
	}
	return n
}

type AskRequest struct {
	Query       string  `json:"query"`
	NResults    int     `json:"n_results"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float32 `json:"temperature"`
}

type AskResponse struct {
	Answer string `json:"answer"`
}
