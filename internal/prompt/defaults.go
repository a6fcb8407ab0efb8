package prompt

// Variable names shared by the default templates.
const (
	VarAPIDocs      = "api_docs"
	VarQuestion     = "question"
	VarAPIURL       = "api_url"
	VarAPIResponse  = "api_response"
	VarInstructions = "instructions"
	VarCompletion   = "completion"
	VarError        = "error"
)

const apiURLText = `You are given the below API Documentation:
{api_docs}
Using this documentation, generate a json string with the following keys: "api_url", "api_method" and "api_body".
"api_url" is the full API url to call for answering the user question, including query parameters for GET requests.
"api_method" is the HTTP method to use, exactly as named in the documentation (for example GET or POST).
"api_body" is the key value payload to send for methods that carry a body; omit it or use {{}} otherwise.
Build the call so that the response is as short as possible while still containing the information needed to answer the question.
Respond with the json only.

Question:{question}
json string:`

const apiResponseText = `You are given the below API Documentation:
{api_docs}
A request was made to answer the user question.

Question:{question}
API url: {api_url}

Here is the response from the API:

{api_response}

Summarize this response to answer the original question. If the response is an error, explain what went wrong.

Summary:`

const descriptorFixText = `Instructions:
--------------
{instructions}
--------------
Completion:
--------------
{completion}
--------------

Above, the Completion did not satisfy the constraints given in the Instructions.
Error:
--------------
{error}
--------------

Please try again. Please only respond with an answer that satisfies the constraints laid out in the Instructions:`

// APIURL returns the default request-synthesis prompt. It expects
// api_docs and question.
func APIURL() *Template { return New(apiURLText) }

// APIResponse returns the default answer-synthesis prompt. It expects
// api_docs, question, api_url and api_response.
func APIResponse() *Template { return New(apiResponseText) }

// DescriptorFix returns the prompt used for the single repair round-trip.
// It expects instructions, completion and error.
func DescriptorFix() *Template { return New(descriptorFixText) }
