package bulk

const jobFields = `
      id
      status
      errorCode
      createdAt
      completedAt
      objectCount
      fileSize
      url
      partialDataUrl
      query`

const runQueryMutation = `mutation bulkOperationRunQuery($query: String!) {
  bulkOperationRunQuery(query: $query) {
    bulkOperation {` + jobFields + `
    }
    userErrors {
      field
      message
      code
    }
  }
}`

const currentOperationQuery = `query currentBulkOperation {
  currentBulkOperation(type: QUERY) {` + jobFields + `
  }
}`

const cancelMutation = `mutation bulkOperationCancel($id: ID!) {
  bulkOperationCancel(id: $id) {
    bulkOperation {` + jobFields + `
    }
    userErrors {
      field
      message
    }
  }
}`

type mutationPayload struct {
	BulkOperation *wireJob     `json:"bulkOperation"`
	UserErrors    []FieldError `json:"userErrors"`
}

type runQueryData struct {
	Payload *mutationPayload `json:"bulkOperationRunQuery"`
}

type cancelData struct {
	Payload *mutationPayload `json:"bulkOperationCancel"`
}

type currentOperationData struct {
	Operation *wireJob `json:"currentBulkOperation"`
}
